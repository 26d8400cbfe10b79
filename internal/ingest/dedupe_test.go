package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)

	t.Run("uses message-id header when present", func(t *testing.T) {
		in := &InboundMessage{MessageID: "<1@x>", Timestamp: base}
		assert.Equal(t, "<1@x>", idempotencyKey(in))
	})

	t.Run("trims surrounding whitespace from message-id", func(t *testing.T) {
		in := &InboundMessage{MessageID: "  <1@x>  ", Timestamp: base}
		assert.Equal(t, "<1@x>", idempotencyKey(in))
	})

	t.Run("derives a prefixed digest when message-id is absent", func(t *testing.T) {
		in := &InboundMessage{
			From:      "alice@example.com",
			Subject:   "Hello",
			BodyPlain: "body",
			Timestamp: base,
		}

		key := idempotencyKey(in)
		assert.True(t, strings.HasPrefix(key, derivedKeyPrefix))
	})

	t.Run("derived key is deterministic", func(t *testing.T) {
		in := &InboundMessage{
			From:      "alice@example.com",
			Subject:   "Hello",
			BodyPlain: "body",
			Timestamp: base,
		}

		assert.Equal(t, idempotencyKey(in), idempotencyKey(in))
	})

	t.Run("derived key ignores sub-minute timestamp jitter", func(t *testing.T) {
		a := &InboundMessage{From: "a@x.com", Subject: "s", BodyPlain: "b", Timestamp: base}
		b := &InboundMessage{From: "a@x.com", Subject: "s", BodyPlain: "b", Timestamp: base.Add(10 * time.Second)}

		assert.Equal(t, idempotencyKey(a), idempotencyKey(b))
	})

	t.Run("derived key changes across minutes", func(t *testing.T) {
		a := &InboundMessage{From: "a@x.com", Subject: "s", BodyPlain: "b", Timestamp: base}
		b := &InboundMessage{From: "a@x.com", Subject: "s", BodyPlain: "b", Timestamp: base.Add(time.Minute)}

		assert.NotEqual(t, idempotencyKey(a), idempotencyKey(b))
	})

	t.Run("derived key normalizes sender and subject", func(t *testing.T) {
		a := &InboundMessage{From: "Alice <ALICE@X.com>", Subject: "Re: Topic", BodyPlain: "b", Timestamp: base}
		b := &InboundMessage{From: "alice@x.com", Subject: "topic", BodyPlain: "b", Timestamp: base}

		assert.Equal(t, idempotencyKey(a), idempotencyKey(b))
	})

	t.Run("derived key reads only the first 256 body bytes", func(t *testing.T) {
		prefix := strings.Repeat("x", derivedKeyBodyBytes)
		a := &InboundMessage{From: "a@x.com", Subject: "s", BodyPlain: prefix + "tail one", Timestamp: base}
		b := &InboundMessage{From: "a@x.com", Subject: "s", BodyPlain: prefix + "different tail", Timestamp: base}

		assert.Equal(t, idempotencyKey(a), idempotencyKey(b))
	})
}
