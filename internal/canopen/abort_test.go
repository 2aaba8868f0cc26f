package canopen

import "testing"

func TestAbortText_AllKnownCodes(t *testing.T) {
	for _, ac := range abortCodes {
		text, ok := AbortText(ac.code)
		if !ok {
			t.Errorf("AbortText(0x%08X) not found", ac.code)
			continue
		}
		if text != ac.text {
			t.Errorf("AbortText(0x%08X) = %q, want %q", ac.code, text, ac.text)
		}
	}
}

func TestAbortText_Sorted(t *testing.T) {
	for i := 1; i < len(abortCodes); i++ {
		if abortCodes[i-1].code >= abortCodes[i].code {
			t.Fatalf("table not strictly sorted at %d: 0x%08X >= 0x%08X",
				i, abortCodes[i-1].code, abortCodes[i].code)
		}
	}
}

func TestAbortText_Unknown(t *testing.T) {
	for _, code := range []uint32{0, 1, 0x05030001, 0x06020001, 0x08000024, 0xFFFFFFFF} {
		if text, ok := AbortText(code); ok {
			t.Errorf("AbortText(0x%08X) = %q, want not found", code, text)
		}
	}
}

func TestAbortText_SpecMessage(t *testing.T) {
	text, ok := AbortText(0x06020000)
	if !ok || text != "Object does not exist in the object dictionary" {
		t.Fatalf("AbortText(0x06020000) = %q ok=%v", text, ok)
	}
}
