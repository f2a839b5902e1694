package fatfs

import "testing"

func TestClassifyFatType(t *testing.T) {
	tests := []struct {
		name     string
		clusters uint32
		want     FatType
	}{
		{"just under FAT12 ceiling", 4084, FAT12},
		{"FAT12/16 boundary", 4085, FAT16},
		{"just under FAT16 ceiling", 65524, FAT16},
		{"FAT16/32 boundary", 65525, FAT32},
		{"zero clusters", 0, FAT12},
		{"large FAT32 volume", 1 << 20, FAT32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFatType(tt.clusters); got != tt.want {
				t.Errorf("classifyFatType(%d) = %v, want %v", tt.clusters, got, tt.want)
			}
		})
	}
}

func TestClusterToSector(t *testing.T) {
	b := &BPB{DataStartSector: 100, SectorsPerCluster: 4}
	tests := []struct {
		cluster uint32
		want    uint32
	}{
		{2, 100},
		{3, 104},
		{10, 132},
	}
	for _, tt := range tests {
		if got := b.ClusterToSector(tt.cluster); got != tt.want {
			t.Errorf("ClusterToSector(%d) = %d, want %d", tt.cluster, got, tt.want)
		}
	}
}

func TestClusterSize(t *testing.T) {
	b := &BPB{BytesPerSector: 512, SectorsPerCluster: 8}
	if got := b.ClusterSize(); got != 4096 {
		t.Errorf("ClusterSize() = %d, want 4096", got)
	}
}
