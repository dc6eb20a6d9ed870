package store

import (
	"os"
	"testing"
)

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func setup(t *testing.T) *Store {
	path := "teststore-" + t.Name() + ".sqlite"
	os.Remove(path)
	s, err := Open(path, testKey())
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	t.Cleanup(func() {
		s.Close()
		os.Remove(path)
	})
	return s
}

func TestInsertOutgoingThenFailure(t *testing.T) {
	s := setup(t)
	id, err := s.InsertOutgoing("+441234567890", "hi")
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if id != 1 {
		t.Errorf("message_id = %d, want 1", id)
	}
	msgs, err := s.PaginateByNumber("+441234567890", Page{})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" || !msgs[0].IsOutgoing {
		t.Fatalf("unexpected message: %+v", msgs)
	}
	if msgs[0].CompletedAt != nil {
		t.Error("completed_at should be nil before failure/final report")
	}
	if err := s.RecordFailure(id, "network busy"); err != nil {
		t.Fatal("unexpected error:", err)
	}
	msgs, _ = s.PaginateByNumber("+441234567890", Page{})
	if msgs[0].CompletedAt == nil {
		t.Error("completed_at should be set after failure")
	}
}

func TestDeliveryReportReconciliation(t *testing.T) {
	s := setup(t)
	id, err := s.InsertOutgoing("+1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterPendingReference(42, id); err != nil {
		t.Fatal(err)
	}
	mid, err := s.RecordDeliveryReport(42, 0, true)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if mid != id {
		t.Errorf("message_id = %d, want %d", mid, id)
	}
	msgs, _ := s.PaginateByNumber("+1", Page{})
	if msgs[0].CompletedAt == nil {
		t.Error("completed_at should be set for a final report")
	}
	reports, err := s.ReportsFor(id, Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || !reports[0].IsFinal {
		t.Fatalf("unexpected reports: %+v", reports)
	}
}

func TestRecordDeliveryReportUnknownReference(t *testing.T) {
	s := setup(t)
	if _, err := s.RecordDeliveryReport(7, 0, true); err != ErrUnknownReference {
		t.Errorf("err = %v, want ErrUnknownReference", err)
	}
}

func TestPaginationIdempotence(t *testing.T) {
	s := setup(t)
	const total = 23
	for i := 0; i < total; i++ {
		if _, err := s.InsertOutgoing("+44", "msg"); err != nil {
			t.Fatal(err)
		}
	}
	limit := 10
	seen := make(map[int64]bool)
	var all []Message
	offset := 0
	for {
		page := Page{Limit: &limit, Offset: &offset}
		msgs, err := s.PaginateByNumber("+44", page)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range msgs {
			if seen[m.ID] {
				t.Fatalf("message %d seen twice across pages", m.ID)
			}
			seen[m.ID] = true
		}
		all = append(all, msgs...)
		if len(msgs) < limit {
			break
		}
		offset += limit
	}
	if len(all) != total {
		t.Errorf("paginated %d messages, want %d", len(all), total)
	}
}

func TestContentEncryptionNonceUniqueness(t *testing.T) {
	s := setup(t)
	if _, err := s.InsertOutgoing("+1", "same body"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertOutgoing("+1", "same body"); err != nil {
		t.Fatal(err)
	}
	rows, err := s.db.Query("SELECT message_content FROM messages ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var blobs [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			t.Fatal(err)
		}
		blobs = append(blobs, b)
	}
	if len(blobs) != 2 {
		t.Fatalf("got %d rows, want 2", len(blobs))
	}
	if string(blobs[0]) == string(blobs[1]) {
		t.Error("identical plaintext produced identical ciphertext")
	}
}

func TestLatestNumbers(t *testing.T) {
	s := setup(t)
	for _, n := range []string{"+1", "+2", "+1", "+3"} {
		if _, err := s.InsertOutgoing(n, "m"); err != nil {
			t.Fatal(err)
		}
	}
	numbers, err := s.LatestNumbers(Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(numbers) != 3 {
		t.Errorf("got %d distinct numbers, want 3", len(numbers))
	}
}
