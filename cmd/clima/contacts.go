package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/clima/internal/store"
)

const contactsUsage = "usage: clima contacts list | add <number> [name] | remove <number> | enable <number> | disable <number> | import <file.vcf>"

// runContacts edits the allow-list file the running bot reads. The bot
// picks changes up through its file watcher.
func runContacts(stdout, stderr io.Writer, opts options, args []string) error {
	if len(args) == 0 {
		return errors.New(contactsUsage)
	}
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg, opts)

	list, err := store.NewAllowList(cfg.WhatsApp.ContactsFile, cfg.WhatsApp.MaxContacts, seedContacts(cfg), logger)
	if err != nil {
		return err
	}
	return contactsCommand(stdout, list, args)
}

func contactsCommand(w io.Writer, list *store.AllowList, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list", "ls":
		printContacts(w, list)
		return nil

	case "add":
		if len(rest) == 0 {
			return errors.New(contactsUsage)
		}
		if err := list.Add(rest[0], strings.Join(rest[1:], " ")); err != nil {
			return err
		}
		fmt.Fprintf(w, "contact %s added\n", store.NormalizeNumber(rest[0]))
		return nil

	case "remove", "rm":
		if len(rest) == 0 {
			return errors.New(contactsUsage)
		}
		if _, ok := list.Lookup(rest[0]); !ok {
			return fmt.Errorf("contact %s is not listed", rest[0])
		}
		if err := list.Remove(store.NormalizeNumber(rest[0])); err != nil {
			return err
		}
		fmt.Fprintf(w, "contact %s removed\n", store.NormalizeNumber(rest[0]))
		return nil

	case "enable", "disable":
		if len(rest) == 0 {
			return errors.New(contactsUsage)
		}
		target, ok := list.Lookup(rest[0])
		if !ok {
			return fmt.Errorf("contact %s is not listed", rest[0])
		}
		enabled := make(map[string]bool)
		for _, c := range list.List() {
			enabled[c.Number] = c.Enabled
		}
		enabled[target.Number] = cmd == "enable"
		if err := list.SetEnabled(enabled); err != nil {
			return err
		}
		fmt.Fprintf(w, "contact %s %sd\n", target.Number, cmd)
		return nil

	case "import":
		if len(rest) == 0 {
			return errors.New(contactsUsage)
		}
		f, err := os.Open(rest[0])
		if err != nil {
			return err
		}
		defer f.Close()
		cards, err := store.ParseVCards(f)
		if err != nil {
			return err
		}
		n, err := list.Import(cards)
		fmt.Fprintf(w, "imported %d contact(s), disabled until enabled\n", n)
		return err

	default:
		return fmt.Errorf("unknown contacts command %q\n%s", cmd, contactsUsage)
	}
}

func printContacts(w io.Writer, list *store.AllowList) {
	contacts := list.List()
	fmt.Fprintf(w, "%d of %d contacts\n", len(contacts), list.Limit())
	for _, c := range contacts {
		state := "disabled"
		if c.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(w, "  %-16s %-9s %s\n", c.Number, state, c.Name)
	}
}
