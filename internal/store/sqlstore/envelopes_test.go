package sqlstore

import (
	"bytes"
	"testing"

	"github.com/pliu/petbuddy/internal/models"
)

func envelopeFor(ticket, sender string, iv, ct []byte) models.StoredEnvelope {
	return models.StoredEnvelope{
		TicketID:         ticket,
		SenderID:         sender,
		SenderName:       "sender " + sender,
		EncryptedMessage: models.Envelope{IV: iv, Ciphertext: ct},
	}
}

func TestAppendEnvelope(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	stored, err := testStore.AppendEnvelope(ctx, envelopeFor("ticket-42", "u1", []byte{1, 2, 3}, []byte{4, 5, 6, 7}))
	if err != nil {
		t.Fatalf("Failed to append envelope: %v", err)
	}
	if stored.ID == "" {
		t.Error("Expected server-assigned id")
	}
	if stored.CreatedAt.IsZero() {
		t.Error("Expected server-assigned timestamp")
	}
}

func TestFetchEnvelopesOrderAndIsolation(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	for i := byte(0); i < 5; i++ {
		if _, err := testStore.AppendEnvelope(ctx, envelopeFor("ticket-42", "u1", []byte{i}, []byte{i, i})); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	testStore.AppendEnvelope(ctx, envelopeFor("ticket-43", "u2", []byte{9}, []byte{9, 9}))

	envs, err := testStore.FetchEnvelopes(ctx, "ticket-42")
	if err != nil {
		t.Fatalf("FetchEnvelopes failed: %v", err)
	}
	if len(envs) != 5 {
		t.Fatalf("Expected 5 envelopes, got %d", len(envs))
	}
	for i, e := range envs {
		if e.TicketID != "ticket-42" {
			t.Errorf("envelope %d from wrong ticket %q", i, e.TicketID)
		}
		if !bytes.Equal(e.EncryptedMessage.IV, []byte{byte(i)}) {
			t.Errorf("envelope %d out of order: iv %v", i, e.EncryptedMessage.IV)
		}
		if e.SenderName != "sender u1" {
			t.Errorf("envelope %d sender name %q", i, e.SenderName)
		}
	}
}

func TestFetchEnvelopesEmptyRoom(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	envs, err := testStore.FetchEnvelopes(ctx, "nobody-here")
	if err != nil {
		t.Fatalf("FetchEnvelopes failed: %v", err)
	}
	if envs == nil || len(envs) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", envs)
	}
}
