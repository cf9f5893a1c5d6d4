package protocol

import "testing"

func TestParse_Done(t *testing.T) {
	f, err := Parse("[DONE]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != KindDone {
		t.Errorf("expected KindDone, got %v", f.Kind)
	}
}

func TestParse_Delta(t *testing.T) {
	f, err := Parse(`a0:"hello world"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != KindDelta {
		t.Errorf("expected KindDelta, got %v", f.Kind)
	}
	if f.Delta != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", f.Delta)
	}
}

func TestParse_Media(t *testing.T) {
	f, err := Parse(`a2:[{"url":"https://example.com/a.mp4"}]`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != KindMedia {
		t.Errorf("expected KindMedia, got %v", f.Kind)
	}
	if len(f.Media) != 1 || f.Media[0].URL != "https://example.com/a.mp4" {
		t.Errorf("unexpected media: %+v", f.Media)
	}
}

func TestParse_Terminal(t *testing.T) {
	f, err := Parse(`ad:{"finishReason":"stop"}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != KindTerminal || f.FinishReason != "stop" {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestParse_TerminalDefaultsReason(t *testing.T) {
	f, err := Parse(`ad:{}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.FinishReason != "stop" {
		t.Errorf("expected default reason stop, got %q", f.FinishReason)
	}
}

func TestParse_Error(t *testing.T) {
	f, err := Parse(`{"error": "agent exploded"}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Kind != KindError || f.Err != "agent exploded" {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestParse_Unrecognized(t *testing.T) {
	if _, err := Parse("bogus text with no colon"); err == nil {
		t.Error("expected error for unrecognized frame")
	}
}
