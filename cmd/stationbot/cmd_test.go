package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/daviddao/stationbot/pkg/config"
	"github.com/daviddao/stationbot/pkg/detect"
	"github.com/daviddao/stationbot/pkg/model"
	"github.com/daviddao/stationbot/pkg/schedule"
	"github.com/daviddao/stationbot/pkg/store"
	"github.com/daviddao/stationbot/pkg/stream"
)

// fakeInstance is a minimal Misskey API.
type fakeInstance struct {
	mu    sync.Mutex
	users string
	notes string
	posts []string
	sorts []any
}

func (f *fakeInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	if body["i"] != "test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"Credential required.","code":"CREDENTIAL_REQUIRED","id":"1384574d"}}`)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/i":
		io.WriteString(w, `{"id":"a5","username":"stationbot"}`)
	case "/api/users":
		f.sorts = append(f.sorts, body["sort"])
		io.WriteString(w, f.users)
	case "/api/notes/local-timeline":
		if _, paged := body["untilId"]; paged {
			io.WriteString(w, `[]`)
			return
		}
		io.WriteString(w, f.notes)
	case "/api/notes/create":
		f.posts = append(f.posts, body["text"].(string))
		io.WriteString(w, `{"createdNote":{"id":"note1"}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInstance) setUsers(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = s
}

func (f *fakeInstance) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

// setupEnv points the CLI at a fake instance and a fresh state file.
func setupEnv(t *testing.T, f *fakeInstance) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	dbPath := filepath.Join(t.TempDir(), "data", "state.db")
	t.Setenv("MISSKEY_URL", srv.URL)
	t.Setenv("MISSKEY_TOKEN", "test-token")
	t.Setenv("STATIONBOT_DB", dbPath)
	t.Setenv("STATIONBOT_CONFIG", "")
	t.Setenv("STATIONBOT_PG_DSN", "")
	t.Setenv("STATIONBOT_STATE_DRIVER", "")
	t.Setenv("STATIONBOT_BACKUP_DIR", "")
	t.Setenv("STATIONBOT_TIMEZONE", "UTC")
	return dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "stationbot "+version {
		t.Fatalf("version output = %q", out)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_SB_ENV", "hello")
	t.Setenv("TEST_SB_EMPTY", "")
	if got := envOr("TEST_SB_ENV", "default"); got != "hello" {
		t.Fatalf("envOr set: got %q", got)
	}
	if got := envOr("TEST_SB_EMPTY", "default"); got != "default" {
		t.Fatalf("envOr empty: got %q", got)
	}
}

func TestRoot_MissingConfigFails(t *testing.T) {
	t.Setenv("MISSKEY_URL", "")
	t.Setenv("MISSKEY_TOKEN", "")
	t.Setenv("STATIONBOT_CONFIG", "")
	_, err := run(t)
	if !errors.Is(err, config.ErrMissingSetting) {
		t.Fatalf("err = %v, want ErrMissingSetting", err)
	}
}

func TestRoot_BadTokenFailsIdentity(t *testing.T) {
	f := &fakeInstance{}
	setupEnv(t, f)
	t.Setenv("MISSKEY_TOKEN", "wrong")
	_, err := run(t, "once", "welcome")
	if err == nil || !strings.Contains(err.Error(), "fetch own identity") {
		t.Fatalf("err = %v, want identity failure", err)
	}
}

func TestOnceWelcome_BaselineThenGreet(t *testing.T) {
	f := &fakeInstance{users: `[
		{"id":"a2","username":"bob","host":null},
		{"id":"a1","username":"alice","host":null}
	]`}
	dbPath := setupEnv(t, f)

	out, err := run(t, "once", "welcome")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "first run, baseline a2") {
		t.Fatalf("first cycle output = %q", out)
	}
	if f.postCount() != 0 {
		t.Fatal("first run must not greet anyone")
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("state file not created: %v", err)
	}
	if len(f.sorts) != 1 || f.sorts[0] != "+createdAt" {
		t.Fatalf("users sort = %v, want newest first", f.sorts)
	}

	f.setUsers(`[
		{"id":"a5","username":"stationbot","host":null},
		{"id":"a4","username":"newbie","host":null},
		{"id":"a3","username":"visitor","host":"elsewhere.example"},
		{"id":"a2","username":"bob","host":null}
	]`)
	out, err = run(t, "once", "welcome")
	if err != nil {
		t.Fatal(err)
	}
	if f.postCount() != 1 || !strings.HasPrefix(f.posts[0], "@newbie さん、127.0.0.1 へようこそ") {
		t.Fatalf("posts = %q", f.posts)
	}
	if !strings.Contains(out, "new: a4") || !strings.Contains(out, "watermark a5") {
		t.Fatalf("second cycle output = %q", out)
	}

	out, err = run(t, "state", "get", keyWelcome)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "a5" {
		t.Fatalf("stored watermark = %q", out)
	}
}

func TestOnce_UnknownStream(t *testing.T) {
	f := &fakeInstance{}
	setupEnv(t, f)
	if _, err := run(t, "once", "mentions"); err == nil {
		t.Fatal("expected error for unknown stream")
	}
}

func TestRanking_PrintAndPostOnce(t *testing.T) {
	f := &fakeInstance{notes: `[
		{"id":"n3","createdAt":"2026-02-01T20:00:00.000Z","userId":"u1","user":{"id":"u1","username":"alice","name":"Alice","host":null}},
		{"id":"n2","createdAt":"2026-02-01T10:00:00.000Z","userId":"u1","user":{"id":"u1","username":"alice","name":"Alice","host":null}},
		{"id":"n1","createdAt":"2026-02-01T09:00:00.000Z","userId":"u2","user":{"id":"u2","username":"bob","name":null,"host":null}}
	]`}
	setupEnv(t, f)
	cfgPath := filepath.Join(t.TempDir(), "bot.yaml")
	if err := os.WriteFile(cfgPath, []byte("ranking:\n  page_delay: 1ms\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--config", cfgPath, "ranking", "--date", "2026-02-01")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"🥇 **2回**: Alice (ID:alice)", "🥈 **1回**: bob (ID:bob)", "00:00〜23:30(UTC)"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if f.postCount() != 0 {
		t.Fatal("ranking without --post must not publish")
	}

	if _, err := run(t, "--config", cfgPath, "ranking", "--date", "2026-02-01", "--post"); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "--config", cfgPath, "ranking", "--date", "2026-02-01", "--post"); err == nil {
		t.Fatal("second post for the same date should be refused")
	}
	if f.postCount() != 1 {
		t.Fatalf("posts = %d, want 1", f.postCount())
	}
}

func TestRanking_BadDate(t *testing.T) {
	f := &fakeInstance{}
	setupEnv(t, f)
	if _, err := run(t, "ranking", "--date", "01/02/2026"); err == nil {
		t.Fatal("expected date error")
	}
}

func TestState_SetGetList(t *testing.T) {
	t.Setenv("MISSKEY_URL", "")
	t.Setenv("MISSKEY_TOKEN", "")
	t.Setenv("STATIONBOT_CONFIG", "")
	t.Setenv("STATIONBOT_PG_DSN", "")
	t.Setenv("STATIONBOT_STATE_DRIVER", "")
	t.Setenv("STATIONBOT_DB", filepath.Join(t.TempDir(), "state.db"))

	out, err := run(t, "state", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no watermarks stored") {
		t.Fatalf("empty list output = %q", out)
	}

	out, err = run(t, "state", "set", keyWelcome, "9abc")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "(unset) -> 9abc") {
		t.Fatalf("set output = %q", out)
	}
	out, err = run(t, "state", "set", keyWelcome, "9abd")
	if err != nil || !strings.Contains(out, "9abc -> 9abd") {
		t.Fatalf("overwrite output = %q err=%v", out, err)
	}
	if _, err := run(t, "state", "set", "ranking_last_date", "2020-01-01"); err != nil {
		t.Fatal(err)
	}

	out, err = run(t, "state", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, keyWelcome) || !strings.Contains(out, "9abd") || !strings.Contains(out, "ago") {
		t.Fatalf("list output = %q", out)
	}

	if _, err := run(t, "state", "get", "missing_key"); err == nil {
		t.Fatal("expected error for unset key")
	}
	if _, err := run(t, "state", "set", keyBackup, "  "); err == nil {
		t.Fatal("expected error for empty value")
	}
}

func TestDescribeValue(t *testing.T) {
	now := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want string
	}{
		{"2026-02-01", "2 days ago"},
		{"20260202T000000.000000000/db.tar.gz", "1 day ago"},
		{"9abcdef", ""},
	}
	for _, tc := range cases {
		if got := describeValue(tc.in, now); got != tc.want {
			t.Errorf("describeValue(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLogFlags(t *testing.T) {
	if got := logFlags(&bytes.Buffer{}); got&log.LUTC == 0 || got&log.Lmicroseconds == 0 {
		t.Fatalf("non-terminal flags = %b, want UTC microseconds", got)
	}
	var buf bytes.Buffer
	a := &app{logOut: &buf}
	a.logger("welcome").Printf("hello")
	if buf.String() != "[welcome] hello\n" {
		t.Fatalf("log line = %q", buf.String())
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	f := &fakeInstance{users: `[]`}
	setupEnv(t, f)
	t.Setenv("STATIONBOT_RANKING", "false")

	cmd := newRootCmd()
	cmd.SetErr(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cmd, "") }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

// readOnlyStore rejects every write.
type readOnlyStore struct{ *store.Memory }

func (readOnlyStore) Set(context.Context, string, string) error {
	return errors.New("attempt to write a readonly database")
}

func TestCycleJob(t *testing.T) {
	var page []model.Candidate
	for i := 99; i >= 2; i-- {
		page = append(page, model.Candidate{ID: fmt.Sprintf("C%02d", i), ActorID: "x"})
	}
	cases := []struct {
		name     string
		readOnly bool
		wantErr  bool
		wantLog  string
	}{
		{"guard trip is a warning", false, false, "WARNING"},
		{"failed re-baseline is an error", true, true, "readonly database"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemory()
			mem.Set(context.Background(), keyWelcome, "C01")
			var ws store.WatermarkStore = mem
			if tc.readOnly {
				ws = readOnlyStore{mem}
			}
			var logs bytes.Buffer
			lg := log.New(&logs, "", 0)
			st := &stream.Stream{
				Name: "welcome",
				Key:  keyWelcome,
				Source: detect.SourceFunc(func(context.Context) ([]model.Candidate, error) {
					return page, nil
				}),
				Store:  ws,
				Action: func(context.Context, model.Candidate) error { return nil },
				Logger: lg,
			}
			job := cycleJob(st)
			err := job(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("cycleJob err = %v, wantErr %v", err, tc.wantErr)
			}

			tr := &schedule.Trigger{Name: "welcome", Job: job, Logger: lg}
			tr.Fire(context.Background())
			if !strings.Contains(logs.String(), tc.wantLog) {
				t.Fatalf("logs missing %q:\n%s", tc.wantLog, logs.String())
			}
		})
	}
}
