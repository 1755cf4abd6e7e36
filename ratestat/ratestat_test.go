package ratestat

import "testing"

func TestTickAveragesOverWindow(t *testing.T) {
	tr := New()
	tr.AddDownload("peerA", 100)
	tr.Tick()

	rates := tr.Rates()
	got := rates["peerA"].DownloadRate
	want := int64(100 / Window)
	if got != want {
		t.Fatalf("DownloadRate = %d, want %d", got, want)
	}
}

func TestTickResetsCurrentAccumulators(t *testing.T) {
	tr := New()
	tr.AddUpload("peerA", 50)
	tr.Tick()
	tr.Tick() // no new AddUpload between ticks

	rates := tr.Rates()
	if rates["peerA"].currentUpload != 0 {
		t.Fatalf("expected currentUpload reset to 0 between ticks")
	}
}

func TestRemoveDropsPeer(t *testing.T) {
	tr := New()
	tr.AddUpload("peerA", 10)
	tr.Remove("peerA")
	if _, ok := tr.Rates()["peerA"]; ok {
		t.Fatalf("expected peerA removed from tracker")
	}
}
