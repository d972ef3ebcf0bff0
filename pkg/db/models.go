package db

import (
	"time"

	"github.com/japaniel/vocabsync/pkg/vocab"
)

// LocalTrack is the synthetic track holding user-authored tokens visible from every track.
const LocalTrack = -1

// DefaultProfile is used when a caller does not name a profile.
const DefaultProfile = "Default"

// ProfileOrDefault maps an empty profile name to DefaultProfile.
func ProfileOrDefault(profile string) string {
	if profile == "" {
		return DefaultProfile
	}
	return profile
}

// Meta is the per (profile, track) build lease and settings snapshot.
type Meta struct {
	Profile            string
	Track              int
	LastBuildStartedAt time.Time
	LastBuildExpiresAt time.Time
	BuildID            string
	Settings           string
}

// TokenKey identifies one token record.
type TokenKey struct {
	Token   string
	Source  vocab.Source
	Track   int
	Profile string
}

// TokenRecord is one token seen in a field kind of a track, or a LOCAL user entry.
type TokenRecord struct {
	ID      int64
	Profile string
	Track   int
	Source  vocab.Source
	Token   string
	// Status is only set for LOCAL records; card derived records take theirs from cards.
	Status  *vocab.Status
	Lemmas  []string
	States  []vocab.State
	CardIDs []int64
}

// Key returns the record's composite key.
func (r TokenRecord) Key() TokenKey {
	return TokenKey{Token: r.Token, Source: r.Source, Track: r.Track, Profile: r.Profile}
}

// CardRecord is the cached classification of one external card under one track.
type CardRecord struct {
	Profile    string
	Track      int
	CardID     int64
	NoteID     int64
	ModifiedAt int64
	Status     vocab.Status
	Suspended  bool
}

// TokenResult is the winning record for a token as seen from one track.
type TokenResult struct {
	Source   vocab.Source
	Statuses []vocab.CardStatus
	States   []vocab.State
}

// LemmaResult is one token contributing to a lemma as seen from one track.
type LemmaResult struct {
	Token    string
	Source   vocab.Source
	Statuses []vocab.CardStatus
	States   []vocab.State
}

// LocalTokenInput is a user-authored token status.
type LocalTokenInput struct {
	Token  string
	Status vocab.Status
	Lemmas []string
	States []vocab.State
}
