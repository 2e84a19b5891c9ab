package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func Test_makeHostName(t *testing.T) {
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	defer func() { opts.Notify.EnabledCompletion, opts.Notify.EnabledError = false, false }()
	opts.Notify.EnabledCompletion, opts.Notify.EnabledError = false, false
	opts.Notify.FromEmail = ""
	opts.Notify.ToEmails = []string{"test@example.com"}
	assert.Nil(t, makeNotifier())

	opts.Notify.EnabledCompletion = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.True(t, notif.IsOnCompletion())
	assert.False(t, notif.IsOnError())
	assert.Equal(t, "agentviz@"+makeHostName(), opts.Notify.FromEmail,
		"side effect of creating notifier with empty From is setting the From based on hostname")

	opts.Notify.ToEmails = nil
	assert.Nil(t, makeNotifier(), "no destinations")
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	defer func() { opts.Log.Enabled = false }()
	fname := filepath.Join(t.TempDir(), "agentviz.log")

	opts.Log.Enabled = true
	opts.Log.Filename = fname
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, fname, logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_envFileArg(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  string
		want string
	}{
		{name: "default", want: ".env"},
		{name: "separate value", args: []string{"--dbg", "--env-file", "custom.env"}, want: "custom.env"},
		{name: "inline value", args: []string{"--env-file=inline.env"}, want: "inline.env"},
		{name: "from env", env: "from-env.env", want: "from-env.env"},
		{name: "arg wins over env", args: []string{"--env-file=arg.env"}, env: "from-env.env", want: "arg.env"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("AGENTVIZ_ENV_FILE", tc.env)
			assert.Equal(t, tc.want, envFileArg(tc.args))
		})
	}
}

func Test_loadEnvFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(fname, []byte("AGENTVIZ_TEST_A=from-file\nAGENTVIZ_TEST_B=from-file\n"), 0o600))
	t.Setenv("AGENTVIZ_TEST_B", "from-env")
	t.Setenv("AGENTVIZ_TEST_A", "")
	require.NoError(t, os.Unsetenv("AGENTVIZ_TEST_A"))

	loadEnvFile(fname)
	assert.Equal(t, "from-file", os.Getenv("AGENTVIZ_TEST_A"))
	assert.Equal(t, "from-env", os.Getenv("AGENTVIZ_TEST_B"), "existing env is not overridden")

	loadEnvFile(filepath.Join(t.TempDir(), "missing.env")) // no panic, no exit
}

func Test_run(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tmp := t.TempDir()
	opts.Listen = addr
	opts.DBPath = filepath.Join(tmp, "agentviz.db")
	opts.UploadDir = filepath.Join(tmp, "uploads")
	opts.MaxLogs = 10
	opts.Janitor.Schedule = "@every 1h"
	opts.Janitor.MaxAge = time.Hour
	opts.Groq.URL = "http://127.0.0.1:1/v1"

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/ping")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/api/dataset")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func Test_runBadPrompts(t *testing.T) {
	defer func() { opts.Prompts = "" }()
	opts.Prompts = filepath.Join(t.TempDir(), "missing.yml")
	opts.UploadDir = t.TempDir()
	err := run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load prompts")
}
