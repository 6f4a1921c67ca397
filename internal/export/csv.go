// Package export renders analysis results as the flat tabular file consumed
// by detached executors, and reads such files back. Column names and order
// are a wire contract: a file written here must re-ingest without loss.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

// Header is the exact column set of the recommendation file.
var Header = []string{
	"Cluster",
	"VM_to_Move",
	"Reason",
	"Source_Host",
	"Source_Host_CPU",
	"Source_Host_Mem",
	"Recommended_Destination_Host",
	"Destination_Host_CPU",
	"Destination_Host_Mem",
}

// WriteCSV writes one row per recommendation. Utilization renders as
// "<value>%"; recommendations without utilization figures (evacuations,
// count balancing) render "-" in those columns.
func WriteCSV(w io.Writer, recs []*domain.Recommendation) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for _, rec := range recs {
		srcCPU, srcMem := formatUtilization(rec.SourceUtilization)
		dstCPU, dstMem := formatUtilization(rec.DestinationUtilization)

		row := []string{
			rec.Cluster,
			rec.VMName,
			string(rec.Reason),
			rec.SourceHost,
			srcCPU,
			srcMem,
			rec.DestinationHost,
			dstCPU,
			dstMem,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing recommendation for VM %q: %w", rec.VMName, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a recommendation file produced by WriteCSV. The header must
// match exactly; every row must carry a known reason, a VM name, and a
// destination host.
func ReadCSV(r io.Reader) ([]*domain.Recommendation, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	var recs []*domain.Recommendation
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rec, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}

	return recs, nil
}

func checkHeader(header []string) error {
	if len(header) != len(Header) {
		return fmt.Errorf("header has %d columns, want %d", len(header), len(Header))
	}
	for i, col := range Header {
		if header[i] != col {
			return fmt.Errorf("header column %d is %q, want %q", i+1, header[i], col)
		}
	}
	return nil
}

func parseRow(row []string) (*domain.Recommendation, error) {
	reason := domain.RecommendationReason(row[2])
	if !reason.Valid() {
		return nil, fmt.Errorf("unknown reason %q", row[2])
	}
	if row[1] == "" || row[6] == "" {
		return nil, fmt.Errorf("recommendation for VM %q lacks a VM or destination name", row[1])
	}

	srcUtil, err := parseUtilization(row[4], row[5])
	if err != nil {
		return nil, fmt.Errorf("source utilization: %w", err)
	}
	dstUtil, err := parseUtilization(row[7], row[8])
	if err != nil {
		return nil, fmt.Errorf("destination utilization: %w", err)
	}

	return &domain.Recommendation{
		Cluster:                row[0],
		VMName:                 row[1],
		Reason:                 reason,
		SourceHost:             row[3],
		SourceUtilization:      srcUtil,
		DestinationHost:        row[6],
		DestinationUtilization: dstUtil,
	}, nil
}

// formatUtilization renders percentages with the shortest exact decimal
// form, so values round-trip through the file without drift.
func formatUtilization(u *domain.HostUtilization) (cpu, mem string) {
	if u == nil {
		return "-", "-"
	}
	return strconv.FormatFloat(u.CPUPercent, 'f', -1, 64) + "%",
		strconv.FormatFloat(u.MemPercent, 'f', -1, 64) + "%"
}

func parseUtilization(cpu, mem string) (*domain.HostUtilization, error) {
	if cpu == "-" && mem == "-" {
		return nil, nil
	}
	if cpu == "-" || mem == "-" {
		return nil, fmt.Errorf("one of CPU/memory is %q while the other is set", "-")
	}

	cpuVal, err := parsePercent(cpu)
	if err != nil {
		return nil, err
	}
	memVal, err := parsePercent(mem)
	if err != nil {
		return nil, err
	}
	return &domain.HostUtilization{CPUPercent: cpuVal, MemPercent: memVal}, nil
}

func parsePercent(s string) (float64, error) {
	trimmed, ok := strings.CutSuffix(s, "%")
	if !ok {
		return 0, fmt.Errorf("value %q lacks a %% suffix", s)
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not numeric: %w", s, err)
	}
	return v, nil
}
