package ledger

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestRecordSizes(t *testing.T) {
	if NetworkConfigSize != 81 {
		t.Errorf("NetworkConfigSize = %d, want 81", NetworkConfigSize)
	}
	if NodeAccountSize != 89 {
		t.Errorf("NodeAccountSize = %d, want 89", NodeAccountSize)
	}
	if TaskRecordSize != 81 {
		t.Errorf("TaskRecordSize = %d, want 81", TaskRecordSize)
	}
}

func TestNetworkConfigLayout(t *testing.T) {
	cfg := &NetworkConfig{
		Authority:        testAddr("authority"),
		RewardMint:       testAddr("mint"),
		TotalTasks:       7,
		TotalRewardUnits: math.MaxUint64,
		Bump:             254,
	}

	data := cfg.Marshal()
	if len(data) != NetworkConfigSize {
		t.Fatalf("Marshal() length = %d", len(data))
	}
	if Address(data[0:32]) != cfg.Authority {
		t.Error("authority not at offset 0")
	}
	if Address(data[32:64]) != cfg.RewardMint {
		t.Error("reward mint not at offset 32")
	}
	if got := binary.LittleEndian.Uint64(data[64:72]); got != 7 {
		t.Errorf("total tasks at offset 64 = %d", got)
	}
	if got := binary.LittleEndian.Uint64(data[72:80]); got != math.MaxUint64 {
		t.Errorf("total reward units at offset 72 = %d", got)
	}
	if data[80] != 254 {
		t.Errorf("bump at offset 80 = %d", data[80])
	}

	decoded, err := UnmarshalNetworkConfig(data)
	if err != nil {
		t.Fatalf("UnmarshalNetworkConfig() error = %v", err)
	}
	if *decoded != *cfg {
		t.Errorf("decoded %+v, want %+v", decoded, cfg)
	}
}

func TestNodeAccountLayout(t *testing.T) {
	node := &NodeAccount{
		NodeIdentity:       testAddr("node"),
		Authority:          testAddr("authority"),
		CompletedTasks:     3,
		PendingRewardUnits: 0x0102030405060708,
		TotalRewardUnits:   500,
		Bump:               251,
	}

	data := node.Marshal()
	if len(data) != NodeAccountSize {
		t.Fatalf("Marshal() length = %d", len(data))
	}
	// little-endian: least significant byte first
	if data[72] != 0x08 || data[79] != 0x01 {
		t.Errorf("pending reward units not little-endian: % x", data[72:80])
	}
	if data[88] != 251 {
		t.Errorf("bump at offset 88 = %d", data[88])
	}

	decoded, err := UnmarshalNodeAccount(data)
	if err != nil {
		t.Fatalf("UnmarshalNodeAccount() error = %v", err)
	}
	if *decoded != *node {
		t.Errorf("decoded %+v, want %+v", decoded, node)
	}
}

func TestTaskRecordLayout(t *testing.T) {
	task := &TaskRecord{
		NodeIdentity: testAddr("node"),
		RewardUnits:  100,
		SubmittedAt:  -1,
		Bump:         255,
	}
	task.TaskHash[0] = 0xff

	data := task.Marshal()
	if data[32] != 0xff {
		t.Errorf("task hash not at offset 32")
	}
	// signed timestamps use two's complement
	if got := binary.LittleEndian.Uint64(data[72:80]); got != math.MaxUint64 {
		t.Errorf("submitted_at bits = %x", got)
	}

	decoded, err := UnmarshalTaskRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalTaskRecord() error = %v", err)
	}
	if *decoded != *task {
		t.Errorf("decoded %+v, want %+v", decoded, task)
	}
}

func TestUnmarshalRejectsWrongLength(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		size   int
	}{
		{"config", func(b []byte) error { _, err := UnmarshalNetworkConfig(b); return err }, NetworkConfigSize},
		{"node", func(b []byte) error { _, err := UnmarshalNodeAccount(b); return err }, NodeAccountSize},
		{"task", func(b []byte) error { _, err := UnmarshalTaskRecord(b); return err }, TaskRecordSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, n := range []int{0, tt.size - 1, tt.size + 1} {
				if err := tt.decode(make([]byte, n)); !errors.Is(err, ErrInvalidRecordData) {
					t.Errorf("decode %d bytes error = %v, want ErrInvalidRecordData", n, err)
				}
			}
			if err := tt.decode(make([]byte, tt.size)); err != nil {
				t.Errorf("decode zero-filled record error = %v", err)
			}
		})
	}
}
