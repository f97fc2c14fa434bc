package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpulse/models"
	"mailpulse/utils"
)

func TestTrashAndRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sent := env.send(t, "a@x.com", "Hello")

	got, err := env.mailbox.Trash(ctx, env.owner, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FolderTrash, got.Folder)

	trash, err := env.mailbox.List(ctx, env.owner, models.FolderTrash)
	require.NoError(t, err)
	require.Len(t, trash, 1)

	got, err = env.mailbox.Restore(ctx, env.owner, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FolderSent, got.Folder, "messages from the mailbox address go back to Sent")

	inbound, err := env.inbound.Process(ctx, utils.ParsedMessage{
		From: "b@y.com", To: "owner@mailpulse.test", Subject: "Hi", Text: "hi",
	})
	require.NoError(t, err)
	_, err = env.mailbox.Trash(ctx, env.owner, inbound.ID)
	require.NoError(t, err)
	got, err = env.mailbox.Restore(ctx, env.owner, inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FolderInbox, got.Folder)
}

func TestMailboxEnforcesOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sent := env.send(t, "a@x.com", "Hello")
	intruder := seedUser(t, env.db, "intruder@x.com")

	_, err := env.mailbox.Get(ctx, intruder, sent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.mailbox.Trash(ctx, intruder, sent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, env.mailbox.DeletePermanently(ctx, intruder, sent.ID), ErrNotFound)
	assert.Equal(t, models.FolderSent, env.reload(t, sent.ID).Folder)
}

func TestRecordView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sent := env.send(t, "a@x.com", "Hello")

	_, err := env.mailbox.RecordView(ctx, env.owner, sent.ID, "ME@mailpulse.test")
	require.NoError(t, err)
	got, err := env.mailbox.RecordView(ctx, env.owner, sent.ID, "")
	require.NoError(t, err)

	require.Len(t, got.Viewers, 2)
	assert.True(t, got.Viewers[0].Internal)
	assert.Equal(t, "Anonymous", got.Viewers[1].User)
	assert.False(t, got.Viewers[1].Internal)
}

func TestDeletePermanentlyRemovesFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := t.TempDir()
	attached := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(attached, []byte("pdf"), 0o644))

	msgs, err := env.dispatcher.Send(ctx, env.owner, ComposeRequest{
		Recipients: []string{"a@x.com"}, Subject: "Report", Body: "attached", Files: []string{attached},
	})
	require.NoError(t, err)
	id := msgs[0].ID

	require.NoError(t, env.mailbox.DeletePermanently(ctx, env.owner, id))
	assert.NoFileExists(t, attached)
	_, err = env.reconciler.Load(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmptyTrash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.send(t, "a@x.com", "One")
	b := env.send(t, "b@x.com", "Two")
	keep := env.send(t, "c@x.com", "Three")

	for _, id := range []uint{a.ID, b.ID} {
		_, err := env.mailbox.Trash(ctx, env.owner, id)
		require.NoError(t, err)
	}
	n, err := env.mailbox.EmptyTrash(ctx, env.owner)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sent, err := env.mailbox.List(ctx, env.owner, models.FolderSent)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, keep.ID, sent[0].ID)
}

func TestListAndSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	older := env.send(t, "a@x.com", "Quarterly report")
	newer := env.send(t, "b@y.com", "Launch party")

	sent, err := env.mailbox.List(ctx, env.owner, models.FolderSent)
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Equal(t, newer.ID, sent[0].ID)
	assert.Equal(t, older.ID, sent[1].ID)

	found, err := env.mailbox.SearchSent(ctx, env.owner, "QUARTERLY", 50)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, older.ID, found[0].ID)

	found, err = env.mailbox.SearchSent(ctx, env.owner, "b@y", 50)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, newer.ID, found[0].ID)

	to, err := env.mailbox.SentTo(ctx, env.owner, "A@X.COM")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, older.ID, to[0].ID)
}

func TestListPageReportsTotal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.send(t, "a@x.com", "One")
	env.send(t, "b@x.com", "Two")
	third := env.send(t, "c@x.com", "Three")

	page, total, err := env.mailbox.ListPage(ctx, env.owner, models.FolderSent, Page{Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, third.ID, page[0].ID)

	page, total, err = env.mailbox.ListPage(ctx, env.owner, models.FolderSent, Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)

	page, total, err = env.mailbox.ListPage(ctx, env.owner+1, models.FolderSent, Page{Limit: 2})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)
}

func TestRepliedPageOnlyHoldsReplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	answered := env.send(t, "a@x.com", "Proposal")
	env.send(t, "b@x.com", "Ignored")

	_, err := env.inbound.Process(ctx, utils.ParsedMessage{
		From: "a@x.com", To: testMailbox, Subject: "Re: Proposal", Text: "yes", Date: env.clock.Now(),
	})
	require.NoError(t, err)

	replied, total, err := env.mailbox.RepliedPage(ctx, env.owner, Page{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, replied, 1)
	assert.Equal(t, answered.ID, replied[0].ID)
}
