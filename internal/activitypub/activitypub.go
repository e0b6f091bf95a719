// Package activitypub translates accepted posts into ActivityStreams objects
// for delivery to fediverse inboxes.
package activitypub

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/chorus-social/chorus-bridge/internal/models"
)

// secondsPerDay is the width of the publish-timestamp fuzzing window.
const secondsPerDay = 86_400

// Note is an ActivityStreams Note object.
type Note struct {
	Context      string   `json:"@context"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	To           []string `json:"to"`
}

// Translator builds ActivityStreams objects from federated posts. Actor URIs
// and publish timestamps are pure functions of the post, so every bridge
// derives the same Note for the same source event.
type Translator struct {
	genesisTimestamp int64
	actorDomain      string
}

// NewTranslator creates a Translator anchored at the given genesis timestamp.
func NewTranslator(genesisTimestamp int64, actorDomain string) *Translator {
	return &Translator{genesisTimestamp: genesisTimestamp, actorDomain: actorDomain}
}

// ActorURI derives the pseudonymous actor URI for an author: the first 16 hex
// characters of SHA-256 over the author's public key.
func (t *Translator) ActorURI(authorPubkey []byte) string {
	digest := sha256.Sum256(authorPubkey)
	return fmt.Sprintf("https://%s/actors/%s", t.actorDomain, hex.EncodeToString(digest[:])[:16])
}

// DerivePublishTimestamp computes a stable-but-fuzzy publish time: a
// deterministic uniform offset within the post's day window. Equal inputs
// yield equal outputs across processes, so no intra-day wall-clock detail
// leaks while day-granularity ordering is preserved.
func (t *Translator) DerivePublishTimestamp(dayNumber int32, postID []byte) int64 {
	seedKey := fmt.Sprintf("%s:%d", hex.EncodeToString(postID), dayNumber)
	sum := sha256.Sum256([]byte(seedKey))
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
	offset := rng.Int63n(secondsPerDay)
	return t.genesisTimestamp + int64(dayNumber)*secondsPerDay + offset
}

// BuildNote assembles the Note for a post and returns it together with the
// derived publish timestamp.
func (t *Translator) BuildNote(post *models.PostAnnouncement, bodyMD string) (Note, int64) {
	publishedTS := t.DerivePublishTimestamp(post.CreationDay, post.PostID)
	note := Note{
		Context:      "https://www.w3.org/ns/activitystreams",
		Type:         "Note",
		AttributedTo: t.ActorURI(post.AuthorPubkey),
		Content:      bodyMD,
		Published:    time.Unix(publishedTS, 0).UTC().Format(time.RFC3339),
		To:           []string{"https://www.w3.org/ns/activitystreams#Public"},
	}
	return note, publishedTS
}

// EncodeNote serializes a Note to its wire JSON.
func EncodeNote(note Note) ([]byte, error) {
	data, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("encoding activitypub note: %w", err)
	}
	return data, nil
}
