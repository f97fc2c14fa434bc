package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"mailpulse/models"
)

var fixedNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return NewEngineWithClock(func() time.Time { return fixedNow })
}

func newSentMessage(owner uint, to ...string) *models.Message {
	msg := &models.Message{
		From:    "me@example.com",
		Folder:  models.FolderSent,
		Status:  models.StatusSent,
		Subject: "Quarterly numbers",
		SentAt:  fixedNow.Add(-time.Hour),
	}
	if len(to) > 0 {
		msg.To = to[0]
	}
	if owner != 0 {
		msg.UserID = &owner
	}
	for _, addr := range to {
		msg.Recipients = append(msg.Recipients, models.RecipientStatus{Email: addr, Status: models.RecipientSent})
	}
	return msg
}

func TestPixelThenClickScenario(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(0, "a@x.com")

	res := e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)
	assert.True(t, res.WasNewOpen)
	assert.Equal(t, 1, msg.Tracking.Opens)
	assert.Equal(t, []string{"a@x.com"}, msg.Tracking.UniqueOpens)
	assert.True(t, msg.Recipients[0].Opened)
	assert.Equal(t, models.OpenSourcePixel, msg.Recipients[0].OpenSource)

	res = e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)
	assert.False(t, res.WasNewOpen)
	assert.Equal(t, 2, msg.Tracking.Opens)
	assert.Len(t, msg.Tracking.UniqueOpens, 1)

	res = e.MarkClick(msg, "a@x.com", "http://example.com")
	assert.False(t, res.WasNewOpen)
	assert.Equal(t, 2, msg.Tracking.Opens)
	assert.Equal(t, []models.LinkClick{{URL: "http://example.com", Count: 1}}, msg.Tracking.Clicks)
	assert.True(t, msg.Recipients[0].Clicked)
	assert.Equal(t, 1, msg.Recipients[0].ClickCount)
	require.NotNil(t, msg.Recipients[0].LastClickedAt)
}

func TestForcedOpenOnAlreadyOpenedRecipient(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(0, "a@x.com")
	e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)

	res := e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)
	assert.False(t, res.WasNewOpen)
	assert.Equal(t, 2, msg.Tracking.Opens)

	e.MarkClick(msg, "a@x.com", "https://example.com/a")
	assert.Equal(t, 2, msg.Tracking.Opens)

	res = e.MarkOpen(msg, "a@x.com", models.OpenSourceClick, false)
	assert.False(t, res.WasNewOpen)
	assert.Equal(t, 2, msg.Tracking.Opens)
}

func TestClickImpliesOpen(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(0, "a@x.com")

	res := e.MarkClick(msg, "a@x.com", "https://example.com")
	assert.True(t, res.WasNewOpen)
	assert.Equal(t, 1, msg.Tracking.Opens)
	rec := msg.Recipients[0]
	assert.True(t, rec.Opened)
	assert.True(t, rec.Clicked)
	assert.Equal(t, models.OpenSourceClick, rec.OpenSource)
	assert.Equal(t, []string{"a@x.com"}, msg.Tracking.UniqueOpens)
}

func TestClickPixelOrderIndependence(t *testing.T) {
	e := newTestEngine()

	clickFirst := newSentMessage(0, "a@x.com")
	e.MarkClick(clickFirst, "a@x.com", "https://example.com")
	e.MarkOpen(clickFirst, "a@x.com", models.OpenSourcePixel, true)

	pixelFirst := newSentMessage(0, "a@x.com")
	e.MarkOpen(pixelFirst, "a@x.com", models.OpenSourcePixel, true)
	e.MarkClick(pixelFirst, "a@x.com", "https://example.com")

	assert.Equal(t, 1, clickFirst.Tracking.Opens)
	assert.Equal(t, 1, pixelFirst.Tracking.Opens)
	assert.Equal(t, clickFirst.Tracking.UniqueOpens, pixelFirst.Tracking.UniqueOpens)
	assert.Equal(t, models.OpenSourceClick, clickFirst.Recipients[0].OpenSource)
	assert.Equal(t, models.OpenSourcePixel, pixelFirst.Recipients[0].OpenSource)
}

func TestPerLinkClickCounting(t *testing.T) {
	e := newTestEngine()

	msg := newSentMessage(0, "a@x.com", "b@x.com")
	e.MarkClick(msg, "a@x.com", "https://one.example")
	e.MarkClick(msg, "a@x.com", "https://two.example")
	assert.Equal(t, 1, msg.Tracking.ClickCount("https://one.example"))
	assert.Equal(t, 1, msg.Tracking.ClickCount("https://two.example"))
	assert.Len(t, msg.Tracking.Clicks, 2)

	shared := newSentMessage(0, "a@x.com", "b@x.com")
	e.MarkClick(shared, "a@x.com", "https://one.example")
	e.MarkClick(shared, "b@x.com", "https://one.example")
	assert.Equal(t, []models.LinkClick{{URL: "https://one.example", Count: 2}}, shared.Tracking.Clicks)
	assert.ElementsMatch(t, []models.RecipientClick{
		{Recipient: "a@x.com", URL: "https://one.example", Count: 1},
		{Recipient: "b@x.com", URL: "https://one.example", Count: 1},
	}, shared.Tracking.RecipientClicks)
}

func TestMissingInputsAreNoOps(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(1, "a@x.com")

	assert.Equal(t, Result{}, e.MarkOpen(msg, "", models.OpenSourcePixel, true))
	assert.Equal(t, Result{}, e.MarkOpen(msg, "   ", models.OpenSourcePixel, true))
	assert.Equal(t, Result{}, e.MarkClick(msg, "a@x.com", ""))
	assert.Equal(t, Result{}, e.MarkClick(msg, "", "https://example.com"))
	assert.Equal(t, Result{}, e.MarkOpen(nil, "a@x.com", models.OpenSourcePixel, true))
	assert.Equal(t, 0, msg.Tracking.Opens)
	assert.Empty(t, msg.Tracking.Clicks)
}

func TestRecipientLookupIsCaseInsensitiveAndSelfHealing(t *testing.T) {
	e := newTestEngine()
	msg := newSentMessage(0, "A@X.com")

	e.MarkOpen(msg, "a@x.COM", models.OpenSourcePixel, true)
	require.Len(t, msg.Recipients, 1)
	assert.True(t, msg.Recipients[0].Opened)

	e.MarkOpen(msg, "stranger@y.com", models.OpenSourcePixel, true)
	require.Len(t, msg.Recipients, 2)
	assert.Equal(t, "stranger@y.com", msg.Recipients[1].Email)
	assert.Equal(t, models.RecipientSent, msg.Recipients[1].Status)
	assert.Equal(t, 2, msg.Tracking.Opens)
}

func TestEnsureInitializedHealsShape(t *testing.T) {
	e := newTestEngine()
	openedAt := fixedNow.Add(-time.Minute)
	msg := &models.Message{
		Recipients: []models.RecipientStatus{
			{Email: "a@x.com", Status: models.RecipientSent},
			{Email: "A@x.com", Opened: true, OpenedAt: &openedAt, OpenSource: models.OpenSourcePixel, ClickCount: 2},
			{Email: ""},
		},
	}

	e.EnsureInitialized(msg)

	require.Len(t, msg.Recipients, 1)
	assert.True(t, msg.Recipients[0].Opened)
	assert.Equal(t, 2, msg.Recipients[0].ClickCount)
	assert.Equal(t, []string{"a@x.com"}, msg.Tracking.UniqueOpens)
	assert.NotNil(t, msg.Tracking.Clicks)
	assert.NotNil(t, msg.Tracking.RecipientClicks)
	assert.NotNil(t, msg.Thread)
}

func TestRollupDeltas(t *testing.T) {
	e := newTestEngine()

	t.Run("no owner produces no deltas", func(t *testing.T) {
		msg := newSentMessage(0, "a@x.com")
		assert.Empty(t, e.MarkClick(msg, "a@x.com", "https://example.com").Rollup)
	})

	t.Run("first click carries open and click", func(t *testing.T) {
		msg := newSentMessage(7, "a@x.com")
		res := e.MarkClick(msg, "A@x.com", "https://example.com")
		require.Len(t, res.Rollup, 1)
		d := res.Rollup[0]
		assert.Equal(t, uint(7), d.UserID)
		assert.Equal(t, "a@x.com", d.RecipientEmail)
		assert.Equal(t, 1, d.Opens)
		assert.Equal(t, 1, d.Clicks)
		assert.Equal(t, msg.SentAt, d.FirstEmailTime)
	})

	t.Run("repeat click only counts the click", func(t *testing.T) {
		msg := newSentMessage(7, "a@x.com")
		e.MarkClick(msg, "a@x.com", "https://example.com")
		res := e.MarkClick(msg, "a@x.com", "https://example.com")
		require.Len(t, res.Rollup, 1)
		assert.Equal(t, 0, res.Rollup[0].Opens)
		assert.Equal(t, 1, res.Rollup[0].Clicks)
	})

	t.Run("repeat pixel counts an open", func(t *testing.T) {
		msg := newSentMessage(7, "a@x.com")
		e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)
		res := e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)
		require.Len(t, res.Rollup, 1)
		assert.Equal(t, 1, res.Rollup[0].Opens)
	})

	t.Run("send delta", func(t *testing.T) {
		msg := newSentMessage(7, "a@x.com")
		res := e.MarkSent(msg, "a@x.com")
		require.Len(t, res.Rollup, 1)
		assert.Equal(t, 1, res.Rollup[0].EmailsSent)
		assert.Equal(t, 0, res.Rollup[0].Opens)
	})
}

func TestOpenCountIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kinds := rapid.SliceOfN(rapid.SampledFrom([]string{"pixel", "click", "reply"}), 1, 12).Draw(t, "events")
		shuffled := rapid.Permutation(kinds).Draw(t, "shuffled")

		a := replay(kinds)
		b := replay(shuffled)

		if a.Tracking.Opens != b.Tracking.Opens {
			t.Fatalf("opens differ: %d vs %d", a.Tracking.Opens, b.Tracking.Opens)
		}
		if len(a.Tracking.UniqueOpens) != 1 || len(b.Tracking.UniqueOpens) != 1 {
			t.Fatalf("unique opens should hold one address: %v %v", a.Tracking.UniqueOpens, b.Tracking.UniqueOpens)
		}
		if a.Tracking.TotalClicks() != b.Tracking.TotalClicks() {
			t.Fatalf("clicks differ")
		}

		forced := 0
		for _, k := range kinds {
			if k != "click" {
				forced++
			}
		}
		want := forced
		if want == 0 {
			want = 1
		}
		if a.Tracking.Opens != want {
			t.Fatalf("opens = %d, want %d", a.Tracking.Opens, want)
		}
	})
}

func TestRollupOpensMatchMessageOpens(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kinds := rapid.SliceOfN(rapid.SampledFrom([]string{"pixel", "click", "reply"}), 0, 12).Draw(t, "events")
		e := newTestEngine()
		msg := newSentMessage(3, "a@x.com")
		rolled := 0
		for _, k := range kinds {
			for _, d := range apply(e, msg, k).Rollup {
				rolled += d.Opens
			}
		}
		if rolled != msg.Tracking.Opens {
			t.Fatalf("rollup opens %d != message opens %d", rolled, msg.Tracking.Opens)
		}
	})
}

func replay(kinds []string) *models.Message {
	e := newTestEngine()
	msg := newSentMessage(0, "a@x.com")
	for _, k := range kinds {
		apply(e, msg, k)
	}
	return msg
}

func apply(e *Engine, msg *models.Message, kind string) Result {
	switch kind {
	case "pixel":
		return e.MarkOpen(msg, "a@x.com", models.OpenSourcePixel, true)
	case "click":
		return e.MarkClick(msg, "a@x.com", "https://example.com")
	default:
		return e.MarkOpen(msg, "a@x.com", models.OpenSourceReply, true)
	}
}
