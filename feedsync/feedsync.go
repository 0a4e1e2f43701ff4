package feedsync

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Logging convention for the `feedsync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - connect/fetch failures and retry scheduling
//     - abnormal exits
// V(2):
//     key events for trace debugging, filtered with short tags
//     e.g. [sub], [fc], [api]

// event kinds emitted by the core service
const (
	KindTimeline     = "timeline"
	KindNotification = "notification"
	KindChat         = "chat"
	KindInbox        = "inbox"
)

// prefix for ephemeral typing signals carried in `ActivityType`
const typingActivityPrefix = "typing:"

// FeedItem is one entry of an ordered feed. The engine only interprets
// `Id`, `TimestampMs`, and the routing tags; everything else rides in `Raw`.
type FeedItem struct {
	Id          string          `json:"id"`
	TimestampMs int64           `json:"ts_ms"`
	Kind        string          `json:"kind,omitempty"`
	ActorId     string          `json:"actor,omitempty"`
	ThreadId    string          `json:"thread_id,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// canonical feed order: timestamp descending, id descending on ties.
// unknown timestamps (0) sort last with a deterministic id order.
func CompareFeedItems(a *FeedItem, b *FeedItem) int {
	if a.TimestampMs != b.TimestampMs {
		if b.TimestampMs < a.TimestampMs {
			return -1
		}
		return 1
	}
	return strings.Compare(b.Id, a.Id)
}

// FeedEvent is one push notification from the core event feed.
// `TargetId` scopes chat events to a thread. `ActivityType` carries either a
// lifecycle verb (update/edit/delete/undo) or a sub-signal such as
// "typing:<actorId>".
type FeedEvent struct {
	Kind         string          `json:"kind"`
	TargetId     string          `json:"activity_id,omitempty"`
	ActivityType string          `json:"activity_type,omitempty"`
	TsMs         int64           `json:"ts_ms,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// the actor id when the event is an ephemeral typing signal
func (self *FeedEvent) TypingActorId() (string, bool) {
	if strings.HasPrefix(self.ActivityType, typingActivityPrefix) {
		actorId := self.ActivityType[len(typingActivityPrefix):]
		if actorId != "" {
			return actorId, true
		}
	}
	return "", false
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
