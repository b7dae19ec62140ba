package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectHasConsent_DefaultsFalse(t *testing.T) {
	s := &Subject{}
	assert.False(t, s.HasConsent(ChannelEmail), "missing consent entry must default to false, never true")
}

func TestSubjectHasConsent_NilSubject(t *testing.T) {
	var s *Subject
	assert.False(t, s.HasConsent(ChannelEmail))
}

func TestSubjectRevokeConsent(t *testing.T) {
	s := &Subject{Consent: map[ChannelType]bool{ChannelEmail: true}}
	assert.True(t, s.HasConsent(ChannelEmail))

	s.RevokeConsent(ChannelEmail)
	assert.False(t, s.HasConsent(ChannelEmail))
}

func TestSubjectRevokeConsent_NilMap(t *testing.T) {
	s := &Subject{}
	s.RevokeConsent(ChannelSMS)
	assert.False(t, s.HasConsent(ChannelSMS))
}
