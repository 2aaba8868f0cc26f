// Package datafile reads the batch files fed to the checker mode:
// one "<index>, <subindex>, <value>" record per non-comment line,
// numbers in binary, octal, decimal or hex.
package datafile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/eddyem/canserver/internal/canopen"
	"github.com/eddyem/canserver/internal/logging"
	"github.com/eddyem/canserver/internal/proto"
)

// Record is one validated line bound to its dictionary entry.
type Record struct {
	Index    uint16
	SubIndex uint8
	Value    int64
	Entry    *canopen.Entry
}

// Parse reads records from r. Bad lines produce a diagnostic and are
// skipped; parsing never stops early.
func Parse(r io.Reader) ([]Record, []string) {
	var (
		records []Record
		diags   []string
	)
	bad := func(lineno int, format string, args ...any) {
		diags = append(diags, fmt.Sprintf("line #%d: %s", lineno, fmt.Sprintf(format, args...)))
	}
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			bad(lineno, "want 'index, subindex, value'")
			continue
		}
		nums := make([]int64, 3)
		ok := true
		for i, f := range fields {
			n, err := proto.ParseNum(strings.TrimSpace(f))
			if err != nil {
				bad(lineno, "bad number %q", strings.TrimSpace(f))
				ok = false
				break
			}
			nums[i] = n
		}
		if !ok {
			continue
		}
		if nums[0] < 0 || nums[0] > 0xFFFF || nums[1] < 0 || nums[1] > 0xFF {
			bad(lineno, "index/subindex out of range")
			continue
		}
		rec := Record{Index: uint16(nums[0]), SubIndex: uint8(nums[1]), Value: nums[2]}
		entry := canopen.Find(rec.Index, rec.SubIndex)
		if entry == nil {
			bad(lineno, "SDO 0x%04X/0x%02X isn't in dictionary", rec.Index, rec.SubIndex)
			continue
		}
		if rec.Value < 0 && !entry.Signed {
			bad(lineno, "SDO 0x%04X/0x%02X is only positive", rec.Index, rec.SubIndex)
			continue
		}
		if !fits(rec.Value, entry) {
			bad(lineno, "value %d does not fit %d byte(s) of SDO 0x%04X/0x%02X",
				rec.Value, entry.Size, rec.Index, rec.SubIndex)
			continue
		}
		rec.Entry = entry
		records = append(records, rec)
	}
	return records, diags
}

func fits(v int64, e *canopen.Entry) bool {
	bits := uint(e.Size) * 8
	if e.Signed {
		min := -(int64(1) << (bits - 1))
		max := int64(1)<<(bits-1) - 1
		return v >= min && v <= max
	}
	return v >= 0 && v < int64(1)<<bits
}

// Check validates every line of the file against the dictionary and
// logs the problems. It reports the number of bad lines; it never
// terminates on one.
func Check(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	records, diags := Parse(f)
	for _, d := range diags {
		logging.L().Warn("datafile_bad_line", "file", path, "problem", d)
	}
	logging.L().Info("datafile_checked", "file", path, "good", len(records), "bad", len(diags))
	return len(diags), nil
}
