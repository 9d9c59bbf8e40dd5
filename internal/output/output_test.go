package output

import (
	"encoding/json"
	"strings"
	"testing"
)

func sampleReport() Report {
	r := Report{Title: "Flash Partition Table"}
	r.AddRow("Boot Device", "primary")
	r.AddRow("Entries", "2")
	r.Sections = append(r.Sections, Section{
		Title:   "Partitions",
		Columns: []string{"Index", "Type", "Base", "Size"},
		Records: [][]string{
			{"0", "0x01", "0x00010000", "0x00010000"},
			{"1", "0x0e", "0x00100000", "0x00800000"},
		},
	})
	return r
}

func TestTableFormatter(t *testing.T) {
	out := string(NewTableFormatter().Format(sampleReport()))

	for _, want := range []string{"Flash Partition Table", "Boot Device", "primary", "0x00800000", "Index"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestJSONFormatter(t *testing.T) {
	out := NewJSONFormatter().Format(sampleReport())

	var obj map[string]any
	if err := json.Unmarshal(out, &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}
	if obj["boot_device"] != "primary" {
		t.Errorf("boot_device = %v, want primary", obj["boot_device"])
	}
	recs, ok := obj["partitions"].([]any)
	if !ok || len(recs) != 2 {
		t.Fatalf("partitions = %v, want 2 records", obj["partitions"])
	}
	first, _ := recs[0].(map[string]any)
	if first["base"] != "0x00010000" {
		t.Errorf("first record base = %v", first["base"])
	}
}
