package bus

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/agentmux/agentmux/internal/models"
)

// MessageStore is the persistence boundary of the router. Implementations
// must guarantee that messages written before a clean shutdown are visible
// after restart, that concurrent appends do not interleave partial
// records, and that participant rows are independent of message rows.
type MessageStore interface {
	// AppendMessage persists m and fills in its assigned ID and timestamp.
	AppendMessage(m *models.Message) error
	// MessagesFor returns participant's inbox in arrival order, optionally
	// filtered to unread and capped at limit (0 means no cap).
	MessagesFor(participant string, unreadOnly bool, limit int) ([]models.Message, error)
	// MarkRead flips read=true for the given ids and returns how many rows
	// actually changed. Already-read ids count zero.
	MarkRead(ids []uint) (int64, error)
	// SaveParticipant upserts a participant row.
	SaveParticipant(id string) error
	// DeleteParticipant removes a participant row, keeping its messages.
	DeleteParticipant(id string) error
	// Participants lists all persisted participant ids.
	Participants() ([]string, error)
}

// GormStore implements MessageStore on a gorm DB (SQLite in production,
// :memory: in tests).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an initialized gorm DB.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AppendMessage(m *models.Message) error {
	if err := s.db.Create(m).Error; err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	return nil
}

func (s *GormStore) MessagesFor(participant string, unreadOnly bool, limit int) ([]models.Message, error) {
	query := s.db.Where(`"to" = ?`, participant).Order("id ASC")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var msgs []models.Message
	if err := query.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("loading messages for %s: %w", participant, err)
	}
	return msgs, nil
}

func (s *GormStore) MarkRead(ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.Model(&models.Message{}).
		Where("id IN ? AND read = ?", ids, false).
		Update("read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("marking messages read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) SaveParticipant(id string) error {
	p := models.Participant{ID: id}
	if err := s.db.FirstOrCreate(&p, models.Participant{ID: id}).Error; err != nil {
		return fmt.Errorf("persisting participant %s: %w", id, err)
	}
	return nil
}

func (s *GormStore) DeleteParticipant(id string) error {
	if err := s.db.Delete(&models.Participant{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting participant %s: %w", id, err)
	}
	return nil
}

func (s *GormStore) Participants() ([]string, error) {
	var ids []string
	if err := s.db.Model(&models.Participant{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}
	return ids, nil
}
