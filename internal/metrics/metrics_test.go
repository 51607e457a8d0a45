package metrics

import "testing"

func TestMapExposesCounters(t *testing.T) {
	c := New()
	c.Requests.Add(3)
	c.Served.Add(2)

	m := c.Map()
	if got := m.Get("requests").String(); got != "3" {
		t.Errorf("requests = %s, want 3", got)
	}
	if got := m.Get("served").String(); got != "2" {
		t.Errorf("served = %s, want 2", got)
	}
	if got := m.Get("download_finished").String(); got != "0" {
		t.Errorf("download_finished = %s, want 0", got)
	}
}

func TestStringMatchesMap(t *testing.T) {
	c := New()
	c.DownloadFailed.Add(1)
	if c.String() != c.Map().String() {
		t.Error("String() should match Map().String()")
	}
}
