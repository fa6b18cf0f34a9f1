package harden

import (
	"strings"
	"testing"
)

func TestArchiveDigestIsStable(t *testing.T) {
	first := archiveDigest([]byte("same bytes"))
	second := archiveDigest([]byte("same bytes"))
	if first != second {
		t.Errorf("digest not stable: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(first))
	}
	if archiveDigest([]byte("other bytes")) == first {
		t.Error("different content must not share a digest")
	}
}

func TestObjectKeyShape(t *testing.T) {
	digest := archiveDigest([]byte("content"))

	key := objectKey("org_1", "apr_42", digest)

	if !strings.HasPrefix(key, "audit-packs/org_1/apr_42/") {
		t.Errorf("key prefix wrong: %s", key)
	}
	if !strings.HasSuffix(key, ".zip") {
		t.Errorf("key suffix wrong: %s", key)
	}
	// Same identity and content always lands on the same key.
	if key != objectKey("org_1", "apr_42", digest) {
		t.Error("object key not deterministic")
	}
}
