package commitlog

import (
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/shellrelay/schema"
)

func openTestLog(t *testing.T, path string) *Log {
	t.Helper()
	log, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open commit log: %v", err)
	}
	t.Cleanup(func() {
		if err := log.Close(); err != nil {
			t.Errorf("close commit log: %v", err)
		}
	})
	return log
}

func testCommit(db schema.DatabaseName, seq schema.CommitSeq, text string) schema.Commit {
	return schema.Commit{
		Database: db,
		Seq:      seq,
		Reducer:  "send_message",
		Caller:   "a1b2c3d4e5f6",
		Status:   schema.CommitCommitted,
		Deltas: []schema.RowDelta{{
			Table: "messages",
			Op:    schema.DeltaInsert,
			Key:   "00000000000000000001",
			Row:   []byte(`{"text":"` + text + `"}`),
		}},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
	}
}

func TestAppendAndAfter(t *testing.T) {
	log := openTestLog(t, filepath.Join(t.TempDir(), "commits.db"))

	for seq := schema.CommitSeq(1); seq <= 3; seq++ {
		if err := log.Append(testCommit("shell-relay-test", seq, "hello")); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
	if err := log.Append(testCommit("other-db", 1, "elsewhere")); err != nil {
		t.Fatalf("append other db: %v", err)
	}

	commits, err := log.After("shell-relay-test", 1)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits after seq 1, got %d", len(commits))
	}
	if commits[0].Seq != 2 || commits[1].Seq != 3 {
		t.Fatalf("expected seqs 2,3 got %d,%d", commits[0].Seq, commits[1].Seq)
	}
	got := commits[0]
	if got.Database != "shell-relay-test" || got.Reducer != "send_message" || got.Caller != "a1b2c3d4e5f6" {
		t.Fatalf("commit fields lost in round trip: %+v", got)
	}
	if len(got.Deltas) != 1 || got.Deltas[0].Key != "00000000000000000001" {
		t.Fatalf("deltas lost in round trip: %+v", got.Deltas)
	}
	want := testCommit("shell-relay-test", 2, "hello").Timestamp
	if !got.Timestamp.Equal(want) {
		t.Fatalf("expected timestamp %v, got %v", want, got.Timestamp)
	}

	seq, err := log.LastSeq("shell-relay-test")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if seq != 3 {
		t.Fatalf("expected last seq 3, got %d", seq)
	}
	seq, err = log.LastSeq("never-published")
	if err != nil {
		t.Fatalf("last seq empty db: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected last seq 0 for unknown db, got %d", seq)
	}
}

func TestAppendRejectsDuplicateSeq(t *testing.T) {
	log := openTestLog(t, filepath.Join(t.TempDir(), "commits.db"))
	if err := log.Append(testCommit("shell-relay-test", 1, "first")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(testCommit("shell-relay-test", 1, "dup")); err == nil {
		t.Fatalf("expected duplicate seq append to fail")
	}
}

func TestDeleteDatabaseDropsOnlyThatJournal(t *testing.T) {
	log := openTestLog(t, filepath.Join(t.TempDir(), "commits.db"))
	if err := log.Append(testCommit("shell-relay-test", 1, "one")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(testCommit("other-db", 1, "two")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.DeleteDatabase("shell-relay-test"); err != nil {
		t.Fatalf("delete database: %v", err)
	}
	commits, err := log.After("shell-relay-test", 0)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(commits) != 0 {
		t.Fatalf("expected empty journal after delete, got %+v", commits)
	}
	commits, err = log.After("other-db", 0)
	if err != nil {
		t.Fatalf("after other: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("expected other journal untouched, got %+v", commits)
	}
}

func TestReopenKeepsCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commits.db")
	log, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := log.Append(testCommit("shell-relay-test", 1, "durable")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestLog(t, path)
	commits, err := reopened.After("shell-relay-test", 0)
	if err != nil {
		t.Fatalf("after reopen: %v", err)
	}
	if len(commits) != 1 || commits[0].Seq != 1 {
		t.Fatalf("expected surviving commit, got %+v", commits)
	}
}
