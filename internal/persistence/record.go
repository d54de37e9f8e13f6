package persistence

import (
	"errors"
	"regexp"
	"time"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"
	"gorm.io/gorm"
)

// ChatRecord is the stored form of an envelope.
type ChatRecord struct {
	ID        uint      `gorm:"primarykey"`
	User      string    `gorm:"size:128;not null;index:idx_chat_user_time,priority:1"`
	Room      string    `gorm:"size:64;index:idx_chat_room_time,priority:1"`
	Data      string    `gorm:"not null"`
	Type      string    `gorm:"size:16;not null;default:text"`
	Broadcast int       `gorm:"not null;default:0"`
	Unicast   bool      `gorm:"not null;default:false"`
	ToUser    string    `gorm:"size:128;index:idx_chat_to_user_time,priority:1"`
	Time      time.Time `gorm:"not null;index:idx_chat_room_time,priority:2;index:idx_chat_user_time,priority:2;index:idx_chat_to_user_time,priority:2"`
	Mentions  []Mention `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

func (ChatRecord) TableName() string {
	return "chats"
}

// Mention is an @name token found in a text record.
type Mention struct {
	ID     uint   `gorm:"primarykey"`
	ChatID uint   `gorm:"not null;index"`
	Name   string `gorm:"size:128;not null;index"`
}

func (Mention) TableName() string {
	return "chat_mentions"
}

var errUnicastTarget = errors.New("direct messages must name a recipient")

// BeforeCreate fills the timestamp, rejects unicast records without a
// recipient and extracts mentions from text.
func (c *ChatRecord) BeforeCreate(*gorm.DB) error {
	if c.Unicast && c.ToUser == "" {
		return errUnicastTarget
	}
	if c.Time.IsZero() {
		c.Time = time.Now().UTC()
	}
	if c.Type == string(envelope.KindText) && len(c.Mentions) == 0 {
		for _, name := range ExtractMentions(c.Data) {
			c.Mentions = append(c.Mentions, Mention{Name: name})
		}
	}
	return nil
}

func recordFromEnvelope(env envelope.Envelope) ChatRecord {
	rec := ChatRecord{
		User:   env.User,
		Room:   env.Room,
		ToUser: env.ToUser,
		Time:   env.Time,
		Type:   string(envelope.KindText),
	}
	if env.Payload != nil {
		rec.Data = env.Payload.Data()
		rec.Type = string(env.Payload.Kind())
	}
	switch env.Mode {
	case envelope.ModeBroadcast:
		rec.Broadcast = 1
	case envelope.ModeUnicast:
		rec.Unicast = true
	}
	return rec
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ExtractMentions returns the distinct @names in text, in order of appearance.
func ExtractMentions(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}
