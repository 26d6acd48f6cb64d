package engine

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseViewDataCSV(t *testing.T) {
	path := writeCSV(t, "__mcp_obs,make,price,mpg\n"+
		"0,AMC Concord,4099,22\n"+
		"3,\"Buick, Electra\",7827,15\n"+
		"5,Chev. Nova,3299,.\n")

	snap, err := parseViewDataCSV(path, 100)
	if err != nil {
		t.Fatal(err)
	}

	if want := []string{"make", "price", "mpg"}; !reflect.DeepEqual(snap.Columns, want) {
		t.Errorf("columns = %v, want %v", snap.Columns, want)
	}
	if want := []int{0, 3, 5}; !reflect.DeepEqual(snap.Index, want) {
		t.Errorf("index = %v, want %v", snap.Index, want)
	}
	if snap.Dtypes["make"] != "object" {
		t.Errorf("make dtype = %q, want object", snap.Dtypes["make"])
	}
	if snap.Dtypes["price"] != "float64" {
		t.Errorf("price dtype = %q, want float64", snap.Dtypes["price"])
	}
	if got := snap.Rows[0][1]; got != float64(4099) {
		t.Errorf("price[0] = %v (%T), want 4099", got, got)
	}
	if got := snap.Rows[1][0]; got != "Buick, Electra" {
		t.Errorf("quoted field = %v", got)
	}
	if got := snap.Rows[2][2]; got != nil {
		t.Errorf("missing value = %v, want nil", got)
	}
}

func TestParseViewDataCSVRowCap(t *testing.T) {
	path := writeCSV(t, "__mcp_obs,x\n0,1\n1,2\n2,3\n")
	snap, err := parseViewDataCSV(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Rows) != 2 {
		t.Errorf("rows = %d, want 2", len(snap.Rows))
	}
}

func TestParseViewDataCSVEmpty(t *testing.T) {
	path := writeCSV(t, "")
	if _, err := parseViewDataCSV(path, 10); err == nil {
		t.Error("expected error for empty csv")
	}
}
