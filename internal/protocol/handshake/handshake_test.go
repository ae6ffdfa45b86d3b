package handshake

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/sourceagent/internal/testutil/testlog"
)

const sampleID = "3fa85f64-5717-4562-b3fc-2c963f66afa6"

func writeAsync(conn net.Conn, raw string) {
	go func() {
		_, _ = conn.Write([]byte(raw))
	}()
}

func TestReadCommAndData(t *testing.T) {
	testlog.Start(t)

	for _, tc := range []struct {
		tag  string
		want Role
	}{
		{tag: "comm", want: RoleComm},
		{tag: "data", want: RoleData},
	} {
		server, client := net.Pipe()
		writeAsync(client, sampleID+tc.tag)

		id, role, err := Read(server, time.Second)
		if err != nil {
			t.Fatalf("read %s: %v", tc.tag, err)
		}
		if id.String() != sampleID {
			t.Fatalf("unexpected id: %s", id)
		}
		if role != tc.want {
			t.Fatalf("unexpected role: got=%s want=%s", role, tc.want)
		}
		_ = server.Close()
		_ = client.Close()
	}
}

func TestReadSplitWritesArriveSeparately(t *testing.T) {
	testlog.Start(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go func() {
		_, _ = client.Write([]byte(sampleID[:10]))
		_, _ = client.Write([]byte(sampleID[10:]))
		_, _ = client.Write([]byte("da"))
		_, _ = client.Write([]byte("ta"))
	}()

	_, role, err := Read(server, time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if role != RoleData {
		t.Fatalf("unexpected role: %s", role)
	}
}

func TestReadTimesOutWhenRoleMissing(t *testing.T) {
	testlog.Start(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	writeAsync(client, sampleID)

	start := time.Now()
	_, _, err := Read(server, 50*time.Millisecond)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("handshake read was not bounded by its deadline")
	}
}

func TestReadRejectsMalformedID(t *testing.T) {
	testlog.Start(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	writeAsync(client, "zzzzzzzz-5717-4562-b3fc-2c963f66afa6comm")

	if _, _, err := Read(server, time.Second); !errors.Is(err, ErrInvalidCorrelationID) {
		t.Fatalf("expected ErrInvalidCorrelationID, got %v", err)
	}
}

func TestReadRejectsMalformedIDWithoutWaitingForRole(t *testing.T) {
	testlog.Start(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	writeAsync(client, "zzzzzzzz-5717-4562-b3fc-2c963f66afa6")

	start := time.Now()
	_, _, err := Read(server, 2*time.Second)
	if !errors.Is(err, ErrInvalidCorrelationID) {
		t.Fatalf("expected ErrInvalidCorrelationID, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("malformed id held the connection for %v", elapsed)
	}
}

func TestReadRejectsUnknownRole(t *testing.T) {
	testlog.Start(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	writeAsync(client, sampleID+"ctrl")

	if _, _, err := Read(server, time.Second); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestReadClosedEarly(t *testing.T) {
	testlog.Start(t)

	server, client := net.Pipe()
	defer server.Close()
	go func() {
		_, _ = client.Write([]byte(sampleID[:5]))
		_ = client.Close()
	}()

	if _, _, err := Read(server, time.Second); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	testlog.Start(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	id := NewCorrelationID()
	go func() {
		_ = Write(client, id, RoleComm)
	}()

	got, role, err := Read(server, time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != id || role != RoleComm {
		t.Fatalf("round trip mismatch: id=%s role=%s", got, role)
	}
}

func TestParseCorrelationIDRequiresCanonicalForm(t *testing.T) {
	testlog.Start(t)

	cases := []string{
		"",
		"3fa85f6457174562b3fc2c963f66afa6",
		"{3fa85f64-5717-4562-b3fc-2c963f66afa6}",
		"3fa85f64-5717-4562-b3fc-2c963f66afaX",
	}
	for _, raw := range cases {
		if _, err := ParseCorrelationID(raw); !errors.Is(err, ErrInvalidCorrelationID) {
			t.Fatalf("expected ErrInvalidCorrelationID for %q, got %v", raw, err)
		}
	}
	if _, err := ParseCorrelationID(sampleID); err != nil {
		t.Fatalf("parse canonical id: %v", err)
	}
}
