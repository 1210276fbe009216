package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/store"
)

var fixedNow = time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

func TestClassify_FailedPassword(t *testing.T) {
	line := "Jul 30 11:59:58 web1 sshd[1234]: Failed password for root from 203.0.113.5 port 51515 ssh2"
	e, ok := Classify(line, "agent-1", fixedNow)
	require.True(t, ok)
	require.Equal(t, store.AuthEventFailed, e.EventType)
	require.Equal(t, "password", e.AuthMethod)
	require.Equal(t, "203.0.113.5", e.SourceIP)
	require.Equal(t, "root", e.TargetUsername)
	require.Equal(t, 51515, e.TargetPort)
}

func TestClassify_InvalidUser(t *testing.T) {
	line := "Jul 30 11:59:58 web1 sshd[1234]: Invalid user deploy from 198.51.100.6 port 40000"
	e, ok := Classify(line, "agent-1", fixedNow)
	require.True(t, ok)
	require.Equal(t, store.AuthEventFailed, e.EventType)
	require.Equal(t, "invalid_user", e.FailureReason)
	require.Equal(t, "deploy", e.TargetUsername)
}

func TestClassify_AcceptedPassword(t *testing.T) {
	line := "Jul 30 11:59:58 web1 sshd[1234]: Accepted password for alice from 192.0.2.10 port 22222 ssh2"
	e, ok := Classify(line, "agent-1", fixedNow)
	require.True(t, ok)
	require.Equal(t, store.AuthEventSuccessful, e.EventType)
	require.Equal(t, "password", e.AuthMethod)
}

func TestClassify_AcceptedPublickey(t *testing.T) {
	line := "Jul 30 11:59:58 web1 sshd[1234]: Accepted publickey for bob from 192.0.2.11 port 22223 ssh2: RSA SHA256:abc"
	e, ok := Classify(line, "agent-1", fixedNow)
	require.True(t, ok)
	require.Equal(t, store.AuthEventSuccessful, e.EventType)
	require.Equal(t, "publickey", e.AuthMethod)
}

func TestClassify_UnrecognizedLineIsDropped(t *testing.T) {
	line := "Jul 30 11:59:58 web1 sshd[1234]: Received disconnect from 192.0.2.11 port 22223:11: disconnected by user"
	e, ok := Classify(line, "agent-1", fixedNow)
	require.False(t, ok)
	require.Nil(t, e)
}

func TestClassify_AuthenticationFailureVariant(t *testing.T) {
	line := "Jul 30 11:59:58 web1 sshd[1234]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=203.0.113.9 user=root"
	e, ok := Classify(line, "agent-1", fixedNow)
	require.True(t, ok)
	require.Equal(t, store.AuthEventFailed, e.EventType)
}

func TestClassify_NoSourceIPIsDropped(t *testing.T) {
	line := "Jul 30 11:59:58 web1 sshd[1234]: Failed password for root port 51515 ssh2"
	e, ok := Classify(line, "agent-1", fixedNow)
	require.False(t, ok)
	require.Nil(t, e)
}

func TestClassify_FallsBackToIngestTimeWithoutSyslogPrefix(t *testing.T) {
	line := "Failed password for root from 203.0.113.5 port 51515 ssh2"
	e, ok := Classify(line, "agent-1", fixedNow)
	require.True(t, ok)
	require.Equal(t, fixedNow, e.Timestamp)
}
