package store

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
)

// ParseVCards extracts allow-list candidates from a vCard stream (an
// address-book export). Each card contributes its preferred telephone
// number; cards without one are skipped. Imported contacts start
// disabled so an import never authorizes anyone by itself.
func ParseVCards(r io.Reader) ([]Contact, error) {
	dec := vcard.NewDecoder(r)
	var out []Contact
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("decode vcard %d: %w", len(out)+1, err)
		}

		tel := strings.TrimPrefix(card.PreferredValue(vcard.FieldTelephone), "tel:")
		number := NormalizeNumber(tel)
		if number == "" {
			continue
		}
		out = append(out, Contact{Number: number, Name: cardName(card)})
	}
	return out, nil
}

func cardName(card vcard.Card) string {
	if fn := strings.TrimSpace(card.PreferredValue(vcard.FieldFormattedName)); fn != "" {
		return fn
	}
	if n := card.Name(); n != nil {
		return strings.TrimSpace(n.GivenName + " " + n.FamilyName)
	}
	return ""
}
