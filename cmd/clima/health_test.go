package main

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/clima/internal/whatsapp"
)

type statusFunc func() (*whatsapp.SessionInfo, error)

func (f statusFunc) SessionStatus(context.Context) (*whatsapp.SessionInfo, error) { return f() }

func TestWAHAProbe(t *testing.T) {
	refused := errors.New("connection refused")
	tests := []struct {
		name    string
		info    *whatsapp.SessionInfo
		err     error
		wantErr string
	}{
		{"working", &whatsapp.SessionInfo{Name: "default", Status: "WORKING"}, nil, ""},
		{"waiting for QR", &whatsapp.SessionInfo{Name: "default", Status: "SCAN_QR_CODE"}, nil, "session default is SCAN_QR_CODE"},
		{"unreachable", nil, refused, "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := wahaProbe(statusFunc(func() (*whatsapp.SessionInfo, error) { return tt.info, tt.err }))
			err := probe(context.Background())
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("probe = %v, want nil", err)
			case tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr):
				t.Errorf("probe = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
