package export

import (
	"strings"
	"testing"

	"github.com/nerdCopter/OpenDRS/internal/domain"
)

func sampleRecs() []*domain.Recommendation {
	return []*domain.Recommendation{
		{
			Cluster:         "prod",
			VMName:          "vm-a",
			Reason:          domain.ReasonMaintenanceEvacuation,
			SourceHost:      "esx-01",
			DestinationHost: "esx-02",
		},
		{
			Cluster:                "prod",
			VMName:                 "vm-b",
			Reason:                 domain.ReasonRebalance,
			SourceHost:             "esx-03",
			SourceUtilization:      &domain.HostUtilization{CPUPercent: 91.66666666666667, MemPercent: 70.5},
			DestinationHost:        "esx-04",
			DestinationUtilization: &domain.HostUtilization{CPUPercent: 20, MemPercent: 15.25},
		},
	}
}

func TestWriteCSV_Format(t *testing.T) {
	var buf strings.Builder
	if err := WriteCSV(&buf, sampleRecs()); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header plus 2 rows", len(lines))
	}

	wantHeader := "Cluster,VM_to_Move,Reason,Source_Host,Source_Host_CPU,Source_Host_Mem," +
		"Recommended_Destination_Host,Destination_Host_CPU,Destination_Host_Mem"
	if lines[0] != wantHeader {
		t.Errorf("header = %q, want %q", lines[0], wantHeader)
	}

	if lines[1] != "prod,vm-a,MaintenanceEvacuation,esx-01,-,-,esx-02,-,-" {
		t.Errorf("evacuation row = %q, want dashes for absent utilization", lines[1])
	}
	if !strings.Contains(lines[2], "91.66666666666667%") {
		t.Errorf("rebalance row = %q, want full-precision percentage", lines[2])
	}
	if !strings.Contains(lines[2], "20%") {
		t.Errorf("rebalance row = %q, want integral percentage without trailing zeros", lines[2])
	}
}

func TestCSV_RoundTrip(t *testing.T) {
	recs := sampleRecs()

	var buf strings.Builder
	if err := WriteCSV(&buf, recs); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	got, err := ReadCSV(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("recommendations = %d, want %d", len(got), len(recs))
	}

	for i, want := range recs {
		rec := got[i]
		if rec.Cluster != want.Cluster || rec.VMName != want.VMName ||
			rec.Reason != want.Reason || rec.SourceHost != want.SourceHost ||
			rec.DestinationHost != want.DestinationHost {
			t.Errorf("rec[%d] = %+v, want %+v", i, rec, want)
		}
	}

	if got[0].SourceUtilization != nil || got[0].DestinationUtilization != nil {
		t.Error("evacuation row grew utilization figures on re-ingest")
	}
	if got[1].SourceUtilization == nil ||
		got[1].SourceUtilization.CPUPercent != 91.66666666666667 ||
		got[1].SourceUtilization.MemPercent != 70.5 {
		t.Errorf("source utilization = %+v, want exact round-trip", got[1].SourceUtilization)
	}
	if got[1].DestinationUtilization == nil || got[1].DestinationUtilization.MemPercent != 15.25 {
		t.Errorf("destination utilization = %+v, want exact round-trip", got[1].DestinationUtilization)
	}
}

func TestReadCSV_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			"wrong header",
			"Cluster,VM,Reason,Source_Host,Source_Host_CPU,Source_Host_Mem,Recommended_Destination_Host,Destination_Host_CPU,Destination_Host_Mem\n",
		},
		{
			"unknown reason",
			strings.Join(Header, ",") + "\nprod,vm-a,Teleport,esx-01,-,-,esx-02,-,-\n",
		},
		{
			"missing destination",
			strings.Join(Header, ",") + "\nprod,vm-a,Rebalance,esx-01,50%,50%,,20%,20%\n",
		},
		{
			"percent without suffix",
			strings.Join(Header, ",") + "\nprod,vm-a,Rebalance,esx-01,50,50%,esx-02,20%,20%\n",
		},
		{
			"half-absent utilization",
			strings.Join(Header, ",") + "\nprod,vm-a,Rebalance,esx-01,50%,-,esx-02,20%,20%\n",
		},
		{
			"short row",
			strings.Join(Header, ",") + "\nprod,vm-a,Rebalance\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(tt.input)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf strings.Builder
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	got, err := ReadCSV(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("recommendations = %d, want none", len(got))
	}
}
