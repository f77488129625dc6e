package storage

import "testing"

func TestBuildTableFilePath(t *testing.T) {
	key, err := BuildTableFilePath("sales", "orders", "part-00001.parquet")
	if err != nil {
		t.Fatalf("BuildTableFilePath() error = %v", err)
	}
	if want := "warehouse/sales/orders/part-00001.parquet"; key != want {
		t.Fatalf("BuildTableFilePath() = %q, want %q", key, want)
	}

	dataset, table, ok := ParseTableFilePath(key)
	if !ok || dataset != "sales" || table != "orders" {
		t.Fatalf("ParseTableFilePath() = %q, %q, %v", dataset, table, ok)
	}
}

func TestDatasetPrefix(t *testing.T) {
	prefix, err := DatasetPrefix("sales")
	if err != nil {
		t.Fatalf("DatasetPrefix() error = %v", err)
	}
	if prefix != "warehouse/sales/" {
		t.Fatalf("DatasetPrefix() = %q", prefix)
	}
}

func TestBuildPathRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildTableFilePath("../oops", "orders", "a.parquet"); err == nil {
		t.Fatal("expected invalid component error")
	}
	if _, err := BuildTableFilePath("sales", "orders", "a.csv"); err == nil {
		t.Fatal("expected parquet suffix error")
	}
}

func TestParseTableFilePathRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{
		"cache/snapshot.ndjson",
		"warehouse/sales/orders.parquet",
		"warehouse/sales/orders/nested/a.parquet",
		"warehouse/sales/orders/a.csv",
	} {
		if _, _, ok := ParseTableFilePath(key); ok {
			t.Fatalf("ParseTableFilePath(%q) ok = true", key)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	for key, want := range map[string]string{
		"warehouse/sales/orders/part-00000.parquet": "application/vnd.apache.parquet",
		"cache/snapshot.ndjson":                     "application/x-ndjson",
		"docs/schema.json":                          "application/json",
		"notes.txt":                                 "application/octet-stream",
	} {
		if got := ContentTypeFor(key); got != want {
			t.Fatalf("ContentTypeFor(%q) = %q, want %q", key, got, want)
		}
	}
}
