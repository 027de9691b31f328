package http

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
)

func TestPredictDuringRetrain(t *testing.T) {
	s := newStack(t)
	for i := 0; i < 10; i++ {
		label := "low"
		v := float64(i)
		if i >= 5 {
			label = "high"
			v += 10
		}
		code, body := s.do(t, http.MethodPost, "/AddDataPoint",
			fmt.Sprintf(`{"dsid":5,"feature":[%g,%g],"label":%q}`, v, v, label))
		if code != http.StatusOK {
			t.Fatalf("add data point: %d %v", code, body)
		}
	}
	if code, body := s.do(t, http.MethodGet, "/UpdateModel?dsid=5&classifier=0", ""); code != http.StatusOK {
		t.Fatalf("initial training: %d %v", code, body)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 25; n++ {
				code, body := s.do(t, http.MethodGet, "/PredictOne?dsid=5&feature=13,13", "")
				if code != http.StatusOK || body["label"] != "high" {
					t.Errorf("predict during retrain: %d %v", code, body)
					return
				}
			}
		}()
	}

	// retrains either succeed or are rejected while another is in flight
	for _, classifier := range []int{2, 1, 0} {
		code, body := s.do(t, http.MethodGet, fmt.Sprintf("/UpdateModel?dsid=5&classifier=%d", classifier), "")
		if code != http.StatusOK && code != http.StatusConflict {
			t.Errorf("retrain with %d: %d %v", classifier, code, body)
		}
	}
	wg.Wait()
}
