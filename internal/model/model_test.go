package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusSending, StatusSentToBroker, true},
		{StatusSending, StatusProcessing, true},
		{StatusSending, StatusSaved, true},
		{StatusSentToBroker, StatusProcessing, true},
		{StatusProcessing, StatusSentToBroker, false},
		{StatusProcessing, StatusFailed, true},
		{StatusSaved, StatusFailed, false},
		{StatusFailed, StatusSaved, false},
		{StatusSending, StatusSending, false},
		{StatusSending, "BOGUS", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestMergeStatus(t *testing.T) {
	assert.Equal(t, StatusSaved, MergeStatus(StatusFailed, StatusSaved))
	assert.Equal(t, StatusSaved, MergeStatus(StatusSaved, StatusProcessing))
	assert.Equal(t, StatusProcessing, MergeStatus(StatusSentToBroker, StatusProcessing))
	assert.Equal(t, StatusSending, MergeStatus("", StatusSending))
	assert.Equal(t, StatusFailed, MergeStatus(StatusProcessing, StatusFailed))
}

func TestUserSet(t *testing.T) {
	s := NewUserSet("carol", "alice", "carol", "")
	assert.Equal(t, UserSet{"alice", "carol"}, s)
	assert.True(t, s.Has("alice"))
	assert.False(t, s.Has("bob"))

	with := s.With("bob")
	assert.Equal(t, UserSet{"alice", "bob", "carol"}, with)
	assert.Equal(t, UserSet{"alice", "carol"}, s, "original is not modified")
	assert.Equal(t, UserSet{"alice", "bob"}, with.Without("carol"))
	assert.Equal(t, UserSet{"alice", "bob", "carol", "dave"}, with.Union([]string{"dave", "alice"}))
}

func TestReactionsToggleAndJSON(t *testing.T) {
	var r Reactions
	r = r.Toggle("like", "alice")
	r = r.Toggle("like", "bob")
	r = r.Toggle("fire", "alice")
	assert.True(t, r.Has("like", "bob"))

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"fire","count":1,"users":["alice"]},{"type":"like","count":2,"users":["alice","bob"]}]`, string(raw))

	var back Reactions
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Equal(r))

	var sparse Reactions
	require.NoError(t, json.Unmarshal([]byte(`{"like":["bob","alice"]}`), &sparse))
	assert.Equal(t, UserSet{"alice", "bob"}, sparse["like"])

	r = r.Toggle("fire", "alice")
	_, ok := r["fire"]
	assert.False(t, ok, "empty groups are dropped")
	assert.Nil(t, Reactions(nil).Toggle("x", "a").Toggle("x", "a"))
}

func TestMessageKeyAndTombstone(t *testing.T) {
	m := Message{CorrelationID: "c1", Content: Content{Text: "hi"}, ReadBy: NewUserSet("bob")}
	assert.Equal(t, "c1", m.Key())
	assert.False(t, m.Persisted())
	m.ID = "m1"
	assert.Equal(t, "m1", m.Key())

	tomb := m.Tombstone()
	assert.True(t, tomb.Content.Deleted)
	assert.Empty(t, tomb.Content.Text)
	assert.Equal(t, "hi", m.Content.Text)
}

func TestUserSetDecodesUnsorted(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"m1","read_by":["zed","alice","zed",""]}`), &m))
	assert.Equal(t, UserSet{"alice", "zed"}, m.ReadBy)
	assert.True(t, m.ReadBy.Has("alice"))
	assert.True(t, m.ReadBy.Has("zed"))

	var empty Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"m2","read_by":null}`), &empty))
	assert.Nil(t, empty.ReadBy)
}
