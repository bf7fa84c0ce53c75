package store

import (
	"strings"
	"testing"
	"time"
)

func hashTag(key string) string {
	start := strings.Index(key, "{")
	if start < 0 {
		return key
	}
	end := strings.Index(key[start+1:], "}")
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestRedisStepJournal_KeysShareClusterSlot(t *testing.T) {
	journal := NewRedisStepJournal(nil, "clearing:journal:", time.Hour, time.Second)

	doneKey, lockKey := journal.keys("m-42", "credit")
	if doneKey != "clearing:journal:{m-42:credit}" {
		t.Fatalf("unexpected result key %q", doneKey)
	}
	if lockKey != doneKey+":lock" {
		t.Fatalf("unexpected lock key %q", lockKey)
	}
	if hashTag(doneKey) != hashTag(lockKey) || hashTag(doneKey) != "m-42:credit" {
		t.Fatalf("expected both keys tagged m-42:credit, got %q and %q", hashTag(doneKey), hashTag(lockKey))
	}

	otherDone, _ := journal.keys("m-42", "debit")
	if otherDone == doneKey {
		t.Fatal("expected distinct keys per step")
	}
}

func TestNewRedisStepJournal_Defaults(t *testing.T) {
	journal := NewRedisStepJournal(nil, "  ", 0, 10*time.Millisecond)
	if journal.prefix != "clearing:journal" {
		t.Fatalf("expected default prefix, got %q", journal.prefix)
	}
	if journal.lockTTL != time.Second {
		t.Fatalf("expected lock ttl raised to one second, got %s", journal.lockTTL)
	}
}
