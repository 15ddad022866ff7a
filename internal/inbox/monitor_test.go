package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"

	"github.com/trial-sentinel/sentinel/internal/config"
)

func TestMailboxChangesCoalesces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan client.Update)
	changed := mailboxChanges(ctx, updates)

	// Unbuffered sends only complete if the updates are being consumed.
	for i := 0; i < 5; i++ {
		select {
		case updates <- &client.MailboxUpdate{Mailbox: &imap.MailboxStatus{Messages: uint32(i)}}:
		case <-time.After(time.Second):
			t.Fatal("update not consumed")
		}
	}
	updates <- &client.ExpungeUpdate{SeqNum: 1}

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("no change signalled")
	}
	select {
	case <-changed:
		t.Fatal("updates were not collapsed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMailboxChangesIgnoresOtherUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan client.Update)
	changed := mailboxChanges(ctx, updates)
	updates <- &client.StatusUpdate{Status: &imap.StatusResp{}}

	select {
	case <-changed:
		t.Fatal("status update signalled a change")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, changed, 0)
}

func TestWatchRequiresConnection(t *testing.T) {
	m := NewMonitor(config.InboxConfig{Email: "me@example.com"})
	assert.ErrorContains(t, m.WatchForNewEmails(context.Background(), func(Email) {}), "not connected")
}
