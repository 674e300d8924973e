//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var baseURL = "http://localhost:8081"

type fixture struct {
	project  string
	manager  string
	devs     []string
	release  string
	features []string
}

func main() {
	if url := os.Getenv("BASE_URL"); url != "" {
		baseURL = url
	}

	fx, err := setupTestData()
	if err != nil {
		fmt.Printf("Ошибка подготовки данных: %v\n", err)
		os.Exit(1)
	}
	testListReleases(fx)
	testDashboard(fx)
	testFeatureToggle(fx)
	testSyncStorm(fx)
}

func setupTestData() (*fixture, error) {
	fx := &fixture{}

	var p struct{ Project struct{ ID string } }
	if err := post("/projects", "", map[string]interface{}{
		"name": fmt.Sprintf("loadtest_%d", time.Now().Unix()),
	}, &p); err != nil {
		return nil, err
	}
	fx.project = p.Project.ID

	var m struct{ Member struct{ ID string } }
	if err := post("/projects/"+fx.project+"/members", "", map[string]interface{}{
		"nickname": "lt_manager", "role": "release_manager",
	}, &m); err != nil {
		return nil, err
	}
	fx.manager = m.Member.ID

	for i := 1; i <= 8; i++ {
		if err := post("/projects/"+fx.project+"/members", fx.manager, map[string]interface{}{
			"nickname": fmt.Sprintf("lt_dev_%d", i),
		}, &m); err != nil {
			return nil, err
		}
		fx.devs = append(fx.devs, m.Member.ID)
	}

	var t struct{ Team struct{ ID string } }
	if err := post("/projects/"+fx.project+"/teams", fx.manager, map[string]interface{}{
		"name": "lt_team", "member_ids": fx.devs,
	}, &t); err != nil {
		return nil, err
	}

	for i := 0; i < 5; i++ {
		var r struct{ Release struct{ ID string } }
		if err := post("/projects/"+fx.project+"/releases", fx.manager, map[string]interface{}{
			"name":        fmt.Sprintf("lt_release_%d", i),
			"target_date": time.Now().AddDate(0, 0, 3+i*7).Format("2006-01-02"),
			"team_ids":    []string{t.Team.ID},
		}, &r); err != nil {
			return nil, err
		}
		if i == 0 {
			fx.release = r.Release.ID
		}
	}

	for i, dev := range fx.devs {
		var f struct{ Feature struct{ ID string } }
		if err := post("/releases/"+fx.release+"/features", fx.manager, map[string]interface{}{
			"name": fmt.Sprintf("lt_feature_%d", i), "dri_id": dev,
		}, &f); err != nil {
			return nil, err
		}
		fx.features = append(fx.features, f.Feature.ID)
	}
	return fx, nil
}

func testListReleases(fx *fixture) {
	fmt.Println("Тест 1: Список релизов (5000 запросов, 500 параллельных)")
	runLoadTest("GET", "/projects/"+fx.project+"/releases", fx.manager, nil, 5000, 500)
}

func testDashboard(fx *fixture) {
	fmt.Println("\nТест 2: Дашборд участника (5000 запросов, 500 параллельных)")
	runLoadTest("GET", "/projects/"+fx.project+"/dashboard", fx.devs[0], nil, 5000, 500)
}

func testFeatureToggle(fx *fixture) {
	fmt.Println("\nТест 3: Переключение готовности фич (2000 запросов, 200 параллельных)")
	runLoadTest("POST", "/features/"+fx.features[0]+"/ready", fx.manager, func(id int) io.Reader {
		body, _ := json.Marshal(map[string]bool{"is_ready": id%2 == 0})
		return bytes.NewReader(body)
	}, 2000, 200)
}

func testSyncStorm(fx *fixture) {
	fmt.Println("\nТест 4: Параллельная синхронизация одного релиза")

	for _, id := range fx.features {
		_ = post("/features/"+id+"/ready", fx.manager, map[string]bool{"is_ready": true}, nil)
	}
	for _, dev := range fx.devs {
		_ = post("/releases/"+fx.release+"/members/"+dev+"/ready", dev, map[string]bool{"is_ready": true}, nil)
	}

	start := time.Now()
	runLoadTest("POST", "/releases/"+fx.release+"/sync", fx.manager, nil, 1000, 100)
	duration := time.Since(start)

	var a struct {
		Activity []struct{ Type string }
	}
	if err := get("/releases/"+fx.release+"/activity?limit=1000", fx.manager, &a); err != nil {
		fmt.Printf("Ошибка чтения журнала: %v\n", err)
		return
	}
	changes := 0
	for _, e := range a.Activity {
		if e.Type == "release_ready_change" {
			changes++
		}
	}
	fmt.Printf("Синхронизация завершена за %dмс, изменений готовности в журнале: %d\n", duration.Milliseconds(), changes)
}

func post(path, memberID string, payload, out interface{}) error {
	body, _ := json.Marshal(payload)
	return send("POST", path, memberID, bytes.NewReader(body), out)
}

func get(path, memberID string, out interface{}) error {
	return send("GET", path, memberID, nil, out)
}

func send(method, path, memberID string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if memberID != "" {
		req.Header.Set("X-Member-ID", memberID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runLoadTest(method, path, memberID string, bodyFn func(int) io.Reader, totalReqs, concurrent int) {
	var (
		success   int64
		failures  int64
		durations []time.Duration
		mu        sync.Mutex
		wg        sync.WaitGroup
		sem       = make(chan struct{}, concurrent)
	)

	start := time.Now()

	for i := range totalReqs {
		wg.Add(1)
		sem <- struct{}{}

		go func(id int) {
			defer wg.Done()
			defer func() { <-sem }()

			reqStart := time.Now()
			var body io.Reader
			if bodyFn != nil {
				body = bodyFn(id)
			}

			req, err := http.NewRequest(method, baseURL+path, body)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			req.Header.Set("X-Member-ID", memberID)

			resp, err := http.DefaultClient.Do(req)
			reqDuration := time.Since(reqStart)

			mu.Lock()
			durations = append(durations, reqDuration)
			mu.Unlock()

			if err != nil || resp == nil || resp.StatusCode >= 400 {
				atomic.AddInt64(&failures, 1)
			} else {
				atomic.AddInt64(&success, 1)
			}

			if resp != nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()
	totalTime := time.Since(start)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	var avg time.Duration
	if len(durations) > 0 {
		avg = sum / time.Duration(len(durations))
	}

	fmt.Printf("Результаты:\n")
	fmt.Printf("  Общее время: %v\n", totalTime)
	fmt.Printf("  Запросы: %d\n", totalReqs)
	fmt.Printf("  Успешно: %d\n", success)
	fmt.Printf("  Ошибки: %d\n", failures)
	fmt.Printf("  Средняя задержка: %v\n", avg)
	fmt.Printf("  Пропускная способность: %.2f rps\n", float64(totalReqs)/totalTime.Seconds())
}
