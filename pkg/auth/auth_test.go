package auth

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettings struct {
	values  map[string]interface{}
	reloads int32
}

func (f *fakeSettings) GetString(key, def string) string {
	v, ok := f.values[key]
	if !ok {
		return def
	}
	return v.(string)
}

func (f *fakeSettings) AddSetting(key string, value interface{}) (bool, error) {
	f.values[key] = value
	return true, nil
}

func (f *fakeSettings) Reload() error {
	atomic.AddInt32(&f.reloads, 1)
	return nil
}

type fakeSession struct {
	failUntil int32
	calls     int32
	token     string
}

func (s *fakeSession) PostJSON(ctx context.Context, logicalName string, body, out interface{}) error {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= s.failUntil {
		return fmt.Errorf("network down")
	}
	switch v := out.(type) {
	case *enrollResponse:
		v.Token = s.token
	case *authResponse:
		v.Token = s.token
	}
	return nil
}

func TestEnrollSucceedsImmediately(t *testing.T) {
	settings := &fakeSettings{values: map[string]interface{}{}}
	session := &fakeSession{token: "tok-enroll"}
	a := NewAuthenticator(settings, session, "1.0")

	err := a.Enroll(context.Background(), "instance-1", time.Millisecond)
	require.NoError(t, err)

	tok, ok := a.Token()
	assert.True(t, ok)
	assert.Equal(t, "tok-enroll", tok)
	assert.Equal(t, "tok-enroll", settings.values["AGENT_TOKEN"])
}

func TestEnrollRetriesUntilSuccess(t *testing.T) {
	settings := &fakeSettings{values: map[string]interface{}{}}
	session := &fakeSession{token: "tok-retry", failUntil: 2}
	a := NewAuthenticator(settings, session, "1.0")

	err := a.Enroll(context.Background(), "instance-1", time.Millisecond)
	require.NoError(t, err)

	tok, _ := a.Token()
	assert.Equal(t, "tok-retry", tok)
}

func TestEnrollStopsOnCancel(t *testing.T) {
	settings := &fakeSettings{values: map[string]interface{}{}}
	session := &fakeSession{failUntil: 1000}
	a := NewAuthenticator(settings, session, "1.0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := a.Enroll(ctx, "instance-1", time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAuthenticateUpdatesToken(t *testing.T) {
	settings := &fakeSettings{values: map[string]interface{}{"INSTANCE_ID": "instance-1"}}
	session := &fakeSession{token: "tok-auth"}
	a := NewAuthenticator(settings, session, "1.0")

	err := a.Authenticate(context.Background())
	require.NoError(t, err)

	tok, ok := a.Token()
	assert.True(t, ok)
	assert.Equal(t, "tok-auth", tok)
}

func TestAuthenticateFailsOnceWithoutRetrying(t *testing.T) {
	settings := &fakeSettings{values: map[string]interface{}{"INSTANCE_ID": "instance-1"}}
	session := &fakeSession{failUntil: 1000}
	a := NewAuthenticator(settings, session, "1.0")

	err := a.Authenticate(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, session.calls, "Authenticate must make exactly one attempt, not retry internally")
}

func TestAuthenticateUntilSuccessRetriesAndReloadsSettings(t *testing.T) {
	settings := &fakeSettings{values: map[string]interface{}{"INSTANCE_ID": "instance-1"}}
	session := &fakeSession{token: "tok-retry", failUntil: 2}
	a := NewAuthenticator(settings, session, "1.0")

	err := a.AuthenticateUntilSuccess(context.Background(), time.Millisecond)
	require.NoError(t, err)

	tok, _ := a.Token()
	assert.Equal(t, "tok-retry", tok)
	assert.EqualValues(t, 2, settings.reloads, "each failed attempt must reload settings before the next retry")
}

func TestAuthenticateUntilSuccessStopsOnCancel(t *testing.T) {
	settings := &fakeSettings{values: map[string]interface{}{"INSTANCE_ID": "instance-1"}}
	session := &fakeSession{failUntil: 1000}
	a := NewAuthenticator(settings, session, "1.0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := a.AuthenticateUntilSuccess(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewAuthenticatorLoadsExistingToken(t *testing.T) {
	settings := &fakeSettings{values: map[string]interface{}{"AGENT_TOKEN": "preexisting"}}
	a := NewAuthenticator(settings, &fakeSession{}, "1.0")

	tok, ok := a.Token()
	assert.True(t, ok)
	assert.Equal(t, "preexisting", tok)
}
