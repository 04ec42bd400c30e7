// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package unisphere reads capacity values from a Unisphere for PowerMax
// REST endpoint.
package unisphere

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
	"github.com/platformbuilds/pmaxcap/internal/storagedef"
	"github.com/platformbuilds/pmaxcap/internal/version"
)

const (
	DefaultAPIVersion = "100"
	DefaultPort       = 8443

	DefaultRetryBackoff = 500 * time.Millisecond

	// metricsWindow is how far back performance queries look for the
	// latest capacity sample.
	metricsWindow = time.Hour
)

var (
	systemMetricNames = []string{"EffectiveUsedCapacity", "MaxEffectiveCapacity", "SubscribedCapacity", "TotalUsableCapacity"}
	poolMetricNames   = []string{"UsedCapacity", "SubscribedCapacity", "TotalManagedSpace"}
)

// Client implements capacity.Source against Unisphere.
type Client struct {
	config    storagedef.UnisphereConfig
	client    *storagedef.HTTPClient
	log       *slog.Logger
	authToken string
	health    *storagedef.HealthTracker
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

var _ capacity.Source = (*Client)(nil)

// NewClient creates a Unisphere client. It does not contact the endpoint
// until Start.
func NewClient(cfg storagedef.UnisphereConfig, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	log = log.With("component", "unisphere", "host", cfg.Host, "array_id", cfg.ArrayID)

	httpClient, err := storagedef.NewHTTPClient(storagedef.HTTPClientConfig{
		BaseURL:   cfg.BaseURL(),
		Timeout:   cfg.Timeout,
		VerifySSL: cfg.VerifySSL,
		TLS:       cfg.TLS,
		UserAgent: "pmaxcap/" + version.Version(),
		RateLimit: cfg.MaxRequestsPerSecond,
		Burst:     cfg.RequestBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	// Unisphere uses Basic auth with username:password
	token := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))

	c := &Client{
		config:    cfg,
		client:    httpClient,
		log:       log,
		authToken: token,
		health:    storagedef.NewHealthTracker(),
		now:       time.Now,
	}
	httpClient.SetAuthHook(c.addAuth)
	return c, nil
}

// Start verifies the credentials and that the configured array is managed
// by this Unisphere instance.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.log.Info("connecting to Unisphere", "port", c.config.Port, "api_version", c.config.APIVersion)

	var resp symmetrixList
	if err := c.call(ctx, "list arrays", func(ctx context.Context) error {
		return c.client.Get(ctx, c.restPath("/system/symmetrix"), &resp)
	}); err != nil {
		return err
	}

	found := false
	for _, id := range resp.SymmetrixID {
		if id == c.config.ArrayID {
			found = true
			break
		}
	}
	if !found {
		return capacity.DataCollection("list arrays",
			fmt.Errorf("array %s not found, available: %v", c.config.ArrayID, resp.SymmetrixID))
	}

	c.log.Info("connected to Unisphere", "arrays", len(resp.SymmetrixID))
	c.running = true
	return nil
}

// Stop releases pooled connections.
func (c *Client) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client.CloseIdleConnections()
	c.running = false
	return nil
}

// Health returns the outcome of recent requests.
func (c *Client) Health() storagedef.CollectorHealth {
	return c.health.Snapshot()
}

func (c *Client) FetchSystem(ctx context.Context, arrayID string) (capacity.SystemMetrics, error) {
	var resp performanceResult
	err := c.call(ctx, "fetch system capacity", func(ctx context.Context) error {
		return c.client.Post(ctx, "/univmax/restapi/performance/Array/metrics",
			c.metricsRequest(arrayID, systemMetricNames, nil), &resp)
	})
	if err != nil {
		return capacity.SystemMetrics{}, err
	}
	sample, err := resp.latest("fetch system capacity")
	if err != nil {
		return capacity.SystemMetrics{}, err
	}
	return capacity.SystemMetrics{
		EffectiveUsedGB: sample["EffectiveUsedCapacity"],
		MaxEffectiveGB:  sample["MaxEffectiveCapacity"],
		SubscribedGB:    sample["SubscribedCapacity"],
		TotalUsableGB:   sample["TotalUsableCapacity"],
	}, nil
}

func (c *Client) FetchPoolIDs(ctx context.Context, arrayID string) ([]string, error) {
	var resp poolKeys
	err := c.call(ctx, "list storage resource pools", func(ctx context.Context) error {
		return c.client.Post(ctx, "/univmax/restapi/performance/StorageResourcePool/keys",
			map[string]string{"symmetrixId": arrayID}, &resp)
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.StorageResourcePoolInfo))
	for _, p := range resp.StorageResourcePoolInfo {
		ids = append(ids, p.StorageResourcePoolID)
	}
	return ids, nil
}

func (c *Client) FetchPoolMetrics(ctx context.Context, arrayID, poolID string) (capacity.PoolMetrics, error) {
	var resp performanceResult
	op := "fetch storage resource pool " + poolID
	err := c.call(ctx, op, func(ctx context.Context) error {
		return c.client.Post(ctx, "/univmax/restapi/performance/StorageResourcePool/metrics",
			c.metricsRequest(arrayID, poolMetricNames, map[string]any{"storageResourcePoolId": poolID}), &resp)
	})
	if err != nil {
		return capacity.PoolMetrics{}, err
	}
	sample, err := resp.latest(op)
	if err != nil {
		return capacity.PoolMetrics{}, err
	}
	return capacity.PoolMetrics{
		UsedGB:         sample["UsedCapacity"],
		SubscribedGB:   sample["SubscribedCapacity"],
		TotalManagedGB: sample["TotalManagedSpace"],
	}, nil
}

func (c *Client) FetchGroupIDs(ctx context.Context, arrayID string) ([]string, error) {
	var resp storageGroupList
	err := c.call(ctx, "list storage groups", func(ctx context.Context) error {
		return c.client.Get(ctx, c.provisioningPath(arrayID, "/storagegroup"), &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.StorageGroupID, nil
}

func (c *Client) FetchGroupDetails(ctx context.Context, arrayID, groupID string) (capacity.GroupDetails, error) {
	var resp storageGroup
	op := "fetch storage group " + groupID
	err := c.call(ctx, op, func(ctx context.Context) error {
		return c.client.Get(ctx, c.provisioningPath(arrayID, "/storagegroup/"+url.PathEscape(groupID)), &resp)
	})
	if err != nil {
		return capacity.GroupDetails{}, err
	}
	if resp.StorageGroupID == "" {
		return capacity.GroupDetails{}, capacity.DataCollection(op, errors.New("empty response"))
	}
	return capacity.GroupDetails{
		CapacityGB:   resp.CapGB,
		NumVolumes:   resp.NumOfVols,
		ServiceLevel: resp.SLO,
		SRPName:      resp.SRP,
		Compression:  resp.Compression,
	}, nil
}

// FetchVolumeIDs lists volumes, following the result iterator when the
// array has more volumes than fit in one page.
func (c *Client) FetchVolumeIDs(ctx context.Context, arrayID string) ([]string, error) {
	var first volumeList
	err := c.call(ctx, "list volumes", func(ctx context.Context) error {
		return c.client.Get(ctx, c.provisioningPath(arrayID, "/volume"), &first)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, max(first.Count, len(first.ResultList.Result)))
	ids = first.ResultList.appendIDs(ids)

	pageSize := first.MaxPageSize
	if pageSize <= 0 {
		pageSize = len(first.ResultList.Result)
	}
	for from := len(ids) + 1; first.ID != "" && pageSize > 0 && from <= first.Count; from += pageSize {
		to := min(from+pageSize-1, first.Count)
		var page volumeResultList
		err := c.call(ctx, "list volumes", func(ctx context.Context) error {
			return c.client.GetQuery(ctx, "/univmax/restapi/common/Iterator/"+url.PathEscape(first.ID)+"/page",
				url.Values{"from": {strconv.Itoa(from)}, "to": {strconv.Itoa(to)}}, &page)
		})
		if err != nil {
			return nil, err
		}
		if len(page.Result) == 0 {
			break
		}
		ids = page.appendIDs(ids)
		c.log.Debug("fetched volume page", "from", from, "to", to, "total", first.Count)
	}
	return ids, nil
}

func (c *Client) FetchVolumeDetails(ctx context.Context, arrayID, volumeID string) (capacity.VolumeDetails, error) {
	var resp volume
	op := "fetch volume " + volumeID
	err := c.call(ctx, op, func(ctx context.Context) error {
		return c.client.Get(ctx, c.provisioningPath(arrayID, "/volume/"+url.PathEscape(volumeID)), &resp)
	})
	if err != nil {
		return capacity.VolumeDetails{}, err
	}
	if resp.VolumeID == "" {
		return capacity.VolumeDetails{}, capacity.DataCollection(op, errors.New("empty response"))
	}
	return capacity.VolumeDetails{
		Identifier:       resp.VolumeIdentifier,
		CapacityGB:       resp.CapGB,
		AllocatedPercent: resp.AllocatedPercent,
		StorageGroups:    resp.StorageGroupID,
		WWN:              resp.WWN,
		EmulationType:    resp.Type,
	}, nil
}

// call runs fn, retrying transient failures, records the final outcome
// for Health and classifies the error.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := c.retry(ctx, op, fn)
	c.health.Record(err, time.Since(start))
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func (c *Client) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.config.Retries <= 0 {
		return fn(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryBackoff
	b.MaxInterval = 10 * c.config.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.Retries)), ctx)

	var last error
	err := backoff.RetryNotify(func() error {
		last = fn(ctx)
		if last != nil && !transient(last) {
			return backoff.Permanent(last)
		}
		return last
	}, policy, func(err error, wait time.Duration) {
		c.log.Debug("retrying Unisphere request", "op", op, "wait", wait, "error", err)
	})
	if err != nil && last != nil && ctx.Err() != nil {
		// report the request failure rather than the aborted wait
		return last
	}
	return err
}

// transient reports whether err may clear up on its own.
func transient(err error) bool {
	var transportErr *storagedef.TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	if apiErr, ok := storagedef.AsAPIError(err); ok {
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

func classify(op string, err error) error {
	if apiErr, ok := storagedef.AsAPIError(err); ok && apiErr.IsUnauthorized() {
		return capacity.Authentication(op, err)
	}
	var transportErr *storagedef.TransportError
	if errors.As(err, &transportErr) {
		return capacity.Connectivity(op, err)
	}
	return capacity.DataCollection(op, err)
}

func (c *Client) metricsRequest(arrayID string, metrics []string, extra map[string]any) map[string]any {
	end := c.now()
	req := map[string]any{
		"symmetrixId": arrayID,
		"startDate":   end.Add(-metricsWindow).UnixMilli(),
		"endDate":     end.UnixMilli(),
		"dataFormat":  "Average",
		"metrics":     metrics,
	}
	for k, v := range extra {
		req[k] = v
	}
	return req
}

func (c *Client) restPath(p string) string {
	return "/univmax/restapi/" + c.config.APIVersion + p
}

func (c *Client) provisioningPath(arrayID, p string) string {
	return c.restPath("/sloprovisioning/symmetrix/" + url.PathEscape(arrayID) + p)
}

// addAuth adds authentication to requests
func (c *Client) addAuth(req *http.Request) error {
	req.Header.Set("Authorization", "Basic "+c.authToken)
	return nil
}
