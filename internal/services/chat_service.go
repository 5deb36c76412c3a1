package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"gossiphub/internal/models"
	"gossiphub/internal/repositories"
)

// ChatService owns rooms and membership.
type ChatService struct {
	repo repositories.ChatRepository
}

func NewChatService(repo repositories.ChatRepository) *ChatService {
	return &ChatService{repo: repo}
}

func (s *ChatService) ListUserRooms(ctx context.Context, userID string) ([]*models.ChatRoom, error) {
	rooms, err := s.repo.ListUserRooms(ctx, userID)
	if err != nil {
		return nil, storageErr("list rooms", err)
	}
	return rooms, nil
}

// Access returns the direct room between userID and peerID, creating it on
// first use.
func (s *ChatService) Access(ctx context.Context, userID, peerID string) (*models.ChatRoom, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" || peerID == userID {
		return nil, invalid("peer must be another user")
	}
	room, err := s.repo.FindDirectRoom(ctx, userID, peerID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, storageErr("find direct room", err)
	}
	room = &models.ChatRoom{
		ID:        uuid.NewString(),
		Members:   []string{userID, peerID},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateRoom(ctx, room); err != nil {
		return nil, storageErr("create room", err)
	}
	return room, nil
}

// CreateGroup opens a named room with creator plus members.
func (s *ChatService) CreateGroup(ctx context.Context, creator, name string, members []string) (*models.ChatRoom, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("group name is required")
	}
	seen := map[string]bool{creator: true}
	all := []string{creator}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		all = append(all, m)
	}
	if len(all) < 2 {
		return nil, invalid("a group needs at least one other member")
	}
	room := &models.ChatRoom{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   true,
		Members:   all,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateRoom(ctx, room); err != nil {
		return nil, storageErr("create room", err)
	}
	return room, nil
}

// RequireMember fails with ErrForbidden unless userID belongs to roomID.
func (s *ChatService) RequireMember(ctx context.Context, roomID, userID string) error {
	return requireMember(ctx, s.repo, roomID, userID)
}

func requireMember(ctx context.Context, repo repositories.ChatRepository, roomID, userID string) error {
	if roomID == "" {
		return invalid("roomId is required")
	}
	ok, err := repo.IsMember(ctx, roomID, userID)
	if err != nil {
		return storageErr("check membership", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
