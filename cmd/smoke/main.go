// Command smoke drives a running ecofleet deployment through one trip sheet
// lifecycle and exits non-zero when any step misbehaves.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type idBody struct {
	ID json.Number `json:"id"`
}

func main() {
	log.SetFlags(0)
	apiURL := envOr("ECOFLEET_API_URL", "http://localhost:8080")
	grpcAddr := envOr("ECOFLEET_GRPC_ADDR", "localhost:9090")
	handle := envOr("ECOFLEET_SMOKE_HANDLE", "root")
	password := os.Getenv("ECOFLEET_SMOKE_PASSWORD")
	if password == "" {
		log.Fatal("missing ECOFLEET_SMOKE_PASSWORD")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	st, err := checkHealth(ctx, grpcAddr)
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if st != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health: status %s", st)
	}

	if err := run(ctx, newClient(apiURL), handle, password); err != nil {
		log.Fatalf("smoke failed: %v", err)
	}
	fmt.Println("smoke ok")
}

func run(ctx context.Context, c *client, handle, password string) error {
	rootToken, err := c.login(ctx, handle, password)
	if err != nil {
		return err
	}
	root := c.as(rootToken)
	suffix := strings.ToLower(ulid.Make().String())

	var company, district, vehicle idBody
	if err := root.expectOK(ctx, "create company", http.MethodPost, "/v1/companies",
		map[string]string{"name": "smoke-" + suffix}, &company); err != nil {
		return err
	}
	if err := root.expectOK(ctx, "create district", http.MethodPost, "/v1/companies/"+company.ID.String()+"/districts",
		map[string]string{"name": "district-" + suffix}, &district); err != nil {
		return err
	}
	if err := root.expectOK(ctx, "create vehicle", http.MethodPost, "/v1/districts/"+district.ID.String()+"/vehicles",
		map[string]string{"plate": "SMK-" + suffix[len(suffix)-6:]}, &vehicle); err != nil {
		return err
	}
	companyID, _ := company.ID.Int64()
	districtID, _ := district.ID.Int64()

	opHandle, adminHandle := "op-"+suffix, "admin-"+suffix
	secret := "smoke-" + suffix
	if err := root.expectOK(ctx, "create operator", http.MethodPost, "/v1/users", map[string]any{
		"handle": opHandle, "password": secret, "role": "operator",
		"company_id": companyID, "district_access": []int64{districtID},
	}, nil); err != nil {
		return err
	}
	if err := root.expectOK(ctx, "create admin", http.MethodPost, "/v1/users", map[string]any{
		"handle": adminHandle, "password": secret, "role": "company_admin", "company_id": companyID,
	}, nil); err != nil {
		return err
	}
	opToken, err := c.login(ctx, opHandle, secret)
	if err != nil {
		return err
	}
	adminToken, err := c.login(ctx, adminHandle, secret)
	if err != nil {
		return err
	}
	op, admin := c.as(opToken), c.as(adminToken)

	first := time.Now().UTC().AddDate(0, -1, 0)
	first = time.Date(first.Year(), first.Month(), 1, 0, 0, 0, 0, time.UTC)
	day1, day2 := first.Format(time.DateOnly), first.AddDate(0, 0, 1).Format(time.DateOnly)
	tripPath := func(day string) string {
		return "/v1/records/trip_sheet/" + vehicle.ID.String() + "/" + day
	}
	trip := map[string]any{"odometer_start": 1000, "odometer_end": 1120, "fuel_start": 50, "fuel_refilled": 10, "fuel_consumed": 25}

	var rec1, rec2 struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Payload struct {
			TotalDistance float64 `json:"total_distance"`
			FuelEnd       float64 `json:"fuel_end"`
		} `json:"payload"`
	}
	if err := op.expectOK(ctx, "save "+day1, http.MethodPut, tripPath(day1), trip, &rec1); err != nil {
		return err
	}
	if rec1.Payload.TotalDistance != 120 || rec1.Payload.FuelEnd != 35 {
		return fmt.Errorf("derived fields: distance=%v fuel_end=%v", rec1.Payload.TotalDistance, rec1.Payload.FuelEnd)
	}
	if err := op.expectOK(ctx, "save "+day2, http.MethodPut, tripPath(day2), trip, &rec2); err != nil {
		return err
	}

	gap, err := op.do(ctx, http.MethodPost, "/v1/records/"+rec2.ID+"/submit", nil, nil)
	if err != nil {
		return err
	}
	if gap == nil || gap.Code != "sequence_gap" || len(gap.MissingDates) != 1 || gap.MissingDates[0] != day1 {
		return fmt.Errorf("submit %s out of order: expected sequence_gap for %s, got %v", day2, day1, gap)
	}
	for _, id := range []string{rec1.ID, rec2.ID} {
		if err := op.expectOK(ctx, "submit "+id, http.MethodPost, "/v1/records/"+id+"/submit", nil, nil); err != nil {
			return err
		}
	}

	denied, err := op.do(ctx, http.MethodPost, "/v1/records/"+rec1.ID+"/decide", map[string]string{"decision": "approve"}, nil)
	if err != nil {
		return err
	}
	if denied == nil || denied.Status != http.StatusForbidden {
		return fmt.Errorf("operator approve: expected 403, got %v", denied)
	}
	if err := admin.expectOK(ctx, "approve", http.MethodPost, "/v1/records/"+rec1.ID+"/decide",
		map[string]string{"decision": "approve"}, nil); err != nil {
		return err
	}

	locked, err := op.do(ctx, http.MethodPut, tripPath(day1), trip, nil)
	if err != nil {
		return err
	}
	if locked == nil || locked.Reason != "immutable_record" {
		return fmt.Errorf("edit approved record: expected immutable_record, got %v", locked)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
