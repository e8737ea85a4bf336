package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStdioTransport_Acquire(t *testing.T) {
	tests := []struct {
		name    string
		held    bool
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
	}{
		{
			name: "free",
			ctx:  func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
		},
		{
			name: "held until deadline",
			held: true,
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "cancelled while free",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			wantErr: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewStdioTransport(StdioConfig{Command: "echo"})
			if tt.held {
				tr.sem <- struct{}{}
			}
			ctx, cancel := tt.ctx()
			defer cancel()

			err := tr.acquire(ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("acquire() = %v, want %v", err, tt.wantErr)
			}
			if err == nil {
				tr.release()
			}
			if !tt.held {
				select {
				case tr.sem <- struct{}{}:
				default:
					t.Fatal("semaphore left held")
				}
			}
		})
	}
}

func TestStdioTransport_BusyCallsGiveUp(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(1, "ping", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() = %v, want context.DeadlineExceeded", err)
	}
	if err := tr.Notify(ctx, NewNotification("notifications/test", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Notify() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_CloseWaitsForInFlightCall(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	if err := tr.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	closeDone := make(chan error, 1)
	go func() { closeDone <- tr.Close() }()

	select {
	case <-closeDone:
		t.Fatal("Close() returned while a call held the transport")
	case <-time.After(100 * time.Millisecond):
	}

	tr.release()
	select {
	case err := <-closeDone:
		if err != nil {
			t.Errorf("Close() on unstarted transport = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return after release")
	}
}

func TestStdioTransport_Subprocess(t *testing.T) {
	for _, mode := range []string{"serve", "noise"} {
		t.Run(mode, func(t *testing.T) {
			cfg := helperConfig(t, mode)
			tr := NewStdioTransport(cfg.Stdio)
			t.Cleanup(func() { _ = tr.Close() })

			client := NewClient("weather", tr, cfg.Logger)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := client.Initialize(ctx); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			res, err := client.CallTool(ctx, "fetch_weather", map[string]any{"city": "Jundiai"})
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			var out struct {
				Name string `json:"name"`
			}
			if err := res.Decode(&out); err != nil || out.Name != "Jundiai" {
				t.Errorf("Decode = %+v, %v", out, err)
			}
		})
	}
}

func TestStdioTransport_ConcurrentCallsCorrelate(t *testing.T) {
	cfg := helperConfig(t, "serve")
	tr := NewStdioTransport(cfg.Stdio)
	t.Cleanup(func() { _ = tr.Close() })
	client := NewClient("weather", tr, cfg.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cities := []string{"Jundiai", "Campinas", "Santos", "Sorocaba", "Itu"}
	var wg sync.WaitGroup
	errs := make(chan error, len(cities))
	for _, city := range cities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.CallTool(ctx, "fetch_weather", map[string]any{"city": city})
			if err != nil {
				errs <- err
				return
			}
			var out struct {
				Name string `json:"name"`
			}
			if err := res.Decode(&out); err != nil {
				errs <- err
				return
			}
			if out.Name != city {
				errs <- errors.New("got " + out.Name + " for " + city)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStdioTransport_CrashIsTransportError(t *testing.T) {
	cfg := helperConfig(t, "serve")
	tr := NewStdioTransport(cfg.Stdio)
	t.Cleanup(func() { _ = tr.Close() })
	client := NewClient("weather", tr, cfg.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := client.CallTool(ctx, "crash", nil); !IsTransport(err) {
		t.Fatalf("CallTool(crash) = %v, want *TransportError", err)
	}

	// The transport is single-use after a failure.
	_, err := client.CallTool(ctx, "fetch_weather", map[string]any{"city": "Jundiai"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("CallTool after crash = %v, want ErrClosed", err)
	}
}

func TestStdioTransport_DeadlineKillsHungServer(t *testing.T) {
	cfg := helperConfig(t, "serve")
	tr := NewStdioTransport(cfg.Stdio)
	t.Cleanup(func() { _ = tr.Close() })
	client := NewClient("weather", tr, cfg.Logger)

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.CallTool(ctx, "hang", nil)
	if !IsTransport(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CallTool(hang) = %v, want transport error wrapping DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hung call took %v to give up", elapsed)
	}
}
