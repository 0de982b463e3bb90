package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"BizMCP/sdk/go/bizmcp"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/automation/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(bizmcp.RegistrationResult{
			Business: bizmcp.Business{ID: "biz-demo", Name: "Demo Diner", Type: "restaurant"},
			Tasks:    []*bizmcp.Task{{ID: "biz-demo:campaign_review", Status: "pending", Frequency: "daily"}},
			Goals:    []*bizmcp.Goal{{ID: "goal-demo", GoalType: "monthly_revenue", TargetValue: 50000}},
		})
	})
	mux.HandleFunc("/mcp/task", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(bizmcp.CreatedTask{
				Task: bizmcp.Task{
					ID:        "task-demo",
					TaskType:  "performance_report",
					Frequency: "weekly",
					Status:    "pending",
				},
				CallbackURL: "http://bizmcp.local/mcp/callback?task_id=dGFzay1kZW1v",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/mcp/task/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(bizmcp.Task{
			ID:       "task-demo",
			TaskType: "performance_report",
			Status:   "completed",
			Results:  map[string]any{"summary": "流量环比上升 12%"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := bizmcp.NewClient(srv.URL, bizmcp.WithHTTPClient(srv.Client()))
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	registration, err := client.RegisterBusiness(ctx, bizmcp.Business{
		ID:           "biz-demo",
		Name:         "Demo Diner",
		Type:         "restaurant",
		Capabilities: []string{"marketing", "analytics"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered business %s with %d tasks, %d goals\n",
		registration.Business.ID, len(registration.Tasks), len(registration.Goals))

	task, err := client.SubmitTask(ctx, bizmcp.TaskSubmission{
		BusinessID: "biz-demo",
		AgentType:  "analytics",
		TaskType:   "performance_report",
		Frequency:  "weekly",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s) callback=%s\n", task.ID, task.Status, task.CallbackURL)

	detail, err := client.GetTask(ctx, task.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("retrieved task %s results=%v\n", detail.ID, detail.Results)
}
