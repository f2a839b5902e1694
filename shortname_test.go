package fatfs

import "testing"

// fakeNameSet is a trivial existingNameSet for exercising synthesizeShortName
// collision disambiguation without a real directory.
type fakeNameSet struct {
	names map[[11]byte]bool
}

func (s fakeNameSet) hasShortName(name [11]byte) bool { return s.names[name] }

func TestSplitBaseExt(t *testing.T) {
	tests := []struct {
		name     string
		longName string
		wantBase string
		wantExt  string
	}{
		{"simple", "readme.txt", "readme", "txt"},
		{"no extension", "readme", "readme", ""},
		{"dotfile", ".bashrc", ".bashrc", ""},
		{"multiple dots", "archive.tar.gz", "archive.tar", "gz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, ext := splitBaseExt(tt.longName)
			if base != tt.wantBase || ext != tt.wantExt {
				t.Errorf("splitBaseExt(%q) = (%q, %q), want (%q, %q)", tt.longName, base, ext, tt.wantBase, tt.wantExt)
			}
		})
	}
}

func TestPackShortName(t *testing.T) {
	got := packShortName("README", "TXT")
	want := [11]byte{'R', 'E', 'A', 'D', 'M', 'E', ' ', ' ', 'T', 'X', 'T'}
	if got != want {
		t.Errorf("packShortName() = %q, want %q", got, want)
	}
}

func TestSanitizeShortNameComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"readme", "README"},
		{"my file", "MYFILE"},
		{"a.b", "AB"},
		{"café", "CAF_"},
	}
	for _, tt := range tests {
		if got := sanitizeShortNameComponent(tt.in); got != tt.want {
			t.Errorf("sanitizeShortNameComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSynthesizeShortNameNoCollisionFitsAs8Dot3(t *testing.T) {
	existing := fakeNameSet{names: map[[11]byte]bool{}}
	name, needsLFN, err := synthesizeShortName("README.TXT", existing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if needsLFN {
		t.Errorf("an already-8.3-legal name should not need an LFN sequence")
	}
	want := packShortName("README", "TXT")
	if name != want {
		t.Errorf("got %q, want %q", name, want)
	}
}

func TestSynthesizeShortNameLongNameNeedsTail(t *testing.T) {
	existing := fakeNameSet{names: map[[11]byte]bool{}}
	name, needsLFN, err := synthesizeShortName("verylongfilename.txt", existing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !needsLFN {
		t.Errorf("a long name should need an LFN sequence")
	}
	want := packShortName("VERYLO~1", "TXT")
	if name != want {
		t.Errorf("got %q, want %q", name, want)
	}
}

func TestSynthesizeShortNameCollisionAdvancesTail(t *testing.T) {
	first := packShortName("VERYLO~1", "TXT")
	existing := fakeNameSet{names: map[[11]byte]bool{first: true}}
	name, needsLFN, err := synthesizeShortName("verylongfilename.txt", existing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !needsLFN {
		t.Errorf("expected needsLFN")
	}
	want := packShortName("VERYLO~2", "TXT")
	if name != want {
		t.Errorf("got %q, want %q (first collision should advance the numeric tail)", name, want)
	}
}
