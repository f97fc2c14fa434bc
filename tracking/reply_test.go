package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpulse/models"
)

func TestIsReply(t *testing.T) {
	tests := []struct {
		subject string
		want    bool
	}{
		{"Re: Quarterly numbers", true},
		{"RE: Quarterly numbers", true},
		{"re : Quarterly numbers", true},
		{"  re:hello", true},
		{"Regarding the numbers", false},
		{"Fwd: Re: numbers", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, IsReply(tt.subject))
		})
	}
}

func TestStripReplyPrefix(t *testing.T) {
	assert.Equal(t, "Quarterly numbers", StripReplyPrefix("Re: Quarterly numbers"))
	assert.Equal(t, "Quarterly numbers", StripReplyPrefix("RE : re: Quarterly numbers"))
	assert.Equal(t, "Quarterly numbers", StripReplyPrefix("Quarterly numbers"))
}

func TestMarkReply(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(9, "a@x.com")
	e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)
	require.Equal(t, 1, msg.Tracking.Opens)

	at := fixedNow.Add(-5 * time.Minute)
	res := e.MarkReply(msg, Reply{
		From:    "A@x.com",
		Subject: "Re: Quarterly numbers",
		Body:    "Looks good",
		Time:    at,
	})

	assert.False(t, res.WasNewOpen)
	assert.True(t, msg.Replied)
	assert.Equal(t, "a@x.com", msg.ReplyFrom)
	assert.Equal(t, "Looks good", msg.ReplyBody)
	require.NotNil(t, msg.ReplyTime)
	assert.Equal(t, at, *msg.ReplyTime)
	assert.Equal(t, 2, msg.Tracking.Opens)
	require.Len(t, msg.Thread, 1)
	assert.Equal(t, "Looks good", msg.Thread[0].Body)

	require.Len(t, res.Rollup, 1)
	d := res.Rollup[0]
	assert.Equal(t, 1, d.Opens)
	assert.True(t, d.Replied)
	require.NotNil(t, d.ReplyTime)
	assert.Equal(t, at, *d.ReplyTime)
}

func TestMarkReplyLastReplyWins(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(0, "a@x.com")

	e.MarkReply(msg, Reply{From: "a@x.com", Body: "first"})
	res := e.MarkReply(msg, Reply{From: "a@x.com", Body: "second"})

	assert.Empty(t, res.Rollup)
	assert.Equal(t, "second", msg.ReplyBody)
	assert.Len(t, msg.Thread, 2)
	assert.Equal(t, 2, msg.Tracking.Opens)
}

func TestMarkReplyWithoutSender(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(0, "a@x.com")
	assert.Equal(t, Result{}, e.MarkReply(msg, Reply{Body: "anonymous"}))
	assert.False(t, msg.Replied)
}

func TestMarkReplyAfterClickOpen(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(9, "a@x.com")
	e.MarkClick(msg, "a@x.com", "https://example.com")
	require.Equal(t, 1, msg.Tracking.Opens)

	res := e.MarkReply(msg, Reply{From: "a@x.com", Subject: "Re: Quarterly numbers", Body: "ok"})
	assert.False(t, res.WasNewOpen)
	assert.Equal(t, 1, msg.Tracking.Opens, "the reply hit is absorbed by the click-implied open")
	require.Len(t, res.Rollup, 1)
	assert.Zero(t, res.Rollup[0].Opens)
	assert.True(t, res.Rollup[0].Replied)

	res = e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)
	assert.False(t, res.WasNewOpen)
	assert.Equal(t, 2, msg.Tracking.Opens)
	require.Len(t, res.Rollup, 1)
	assert.Equal(t, 1, res.Rollup[0].Opens)
}
