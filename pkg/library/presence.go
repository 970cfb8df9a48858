package library

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/protocol"
)

func (l *Library) handlePresence(ctx context.Context, s *Session, msg protocol.PresenceUpdate) error {
	if _, err := l.authorize(ctx, s, msg.ReplicaID, msg); err != nil {
		return err
	}
	s.replicaID = msg.ReplicaID
	profile, err := l.profile(ctx, s.UserID)
	if err != nil {
		return err
	}
	info := model.UserInfo{
		ID:        s.UserID,
		ReplicaID: msg.ReplicaID,
		Profile:   profile,
		Presence:  msg.Presence,
		Internal:  msg.Internal,
	}
	s.presence = &info
	l.broadcast(s, protocol.PresenceChanged{ReplicaID: msg.ReplicaID, UserInfo: info})
	return nil
}

// profile loads a user's profile once per library lifetime.
func (l *Library) profile(ctx context.Context, userID string) (map[string]any, error) {
	if p, ok := l.profiles[userID]; ok {
		return p, nil
	}
	if l.settings.Profiles == nil {
		return nil, nil
	}
	p, err := l.settings.Profiles.LoadProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	l.profiles[userID] = p
	glog.V(3).Infof("[lib]%s loaded profile for %s", l.id, userID)
	return p, nil
}

// peerPresence returns the presence of every other live replica.
func (l *Library) peerPresence(self *Session) map[string]model.UserInfo {
	out := make(map[string]model.UserInfo)
	for s := range l.sessions {
		if s == self || s.presence == nil || s.replicaID == self.replicaID {
			continue
		}
		out[s.replicaID] = *s.presence
	}
	return out
}

// Presence returns the presence of every live replica.
func (l *Library) Presence() map[string]model.UserInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]model.UserInfo)
	for s := range l.sessions {
		if s.presence != nil {
			out[s.replicaID] = *s.presence
		}
	}
	return out
}
