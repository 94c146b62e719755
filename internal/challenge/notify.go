package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/veriroute/veriroute/internal/cryptobox"
	"github.com/veriroute/veriroute/internal/routeset"
)

// Confirmation is the final verdict POSTed to the prover's /confirmation
// endpoint once a challenge reaches a terminal state, and for routes rejected
// before a challenge was ever issued.
type Confirmation struct {
	Addr           string            `json:"addr"`
	Status         string            `json:"status"`
	VerifiedRoutes int               `json:"verifiedRoutes"`
	TotalRoutes    int               `json:"totalRoutes"`
	Routes         map[string]string `json:"routes,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// confirm delivers the terminal verdict for a challenge round. Delivery is
// best-effort: an installed route is never rolled back because the prover
// could not be reached.
func (e *Engine) confirm(ctx context.Context, cand Candidate, rec *Record) {
	conf := Confirmation{
		Addr:           cand.Addr,
		Status:         rec.State.String(),
		VerifiedRoutes: cand.BatchVerified,
		TotalRoutes:    cand.BatchTotal,
		Reason:         rec.Reason,
	}
	if rec.State == Verified {
		conf.Routes = map[string]string{cand.Addr: cand.URL}
	}
	if err := e.postConfirmation(ctx, cand.URL, cand.Addr, conf); err != nil {
		log.WithFields(logrus.Fields{"addr": cand.Addr, "url": cand.URL}).
			WithError(err).Warn("Confirmation not delivered")
	}
}

// NotifyRejection sends a route-specific failure notification for a route
// that failed validation before any challenge was issued. Delivery runs in
// the background but inside Run's drain accounting, so a shutdown waits for
// in-flight notifications the same way it waits for open challenge rounds.
// Routes without a usable URL are only logged.
func (e *Engine) NotifyRejection(ctx context.Context, rej routeset.Rejection, batchVerified, batchTotal int) {
	if _, err := url.ParseRequestURI(rej.Route.URL); err != nil || rej.Route.URL == "" {
		log.WithField("addr", rej.Route.Addr).WithError(rej.Err).
			Warn("Rejected route has no usable url, skipping notification")
		return
	}
	conf := Confirmation{
		Addr:           rej.Route.Addr,
		Status:         Failed.String(),
		VerifiedRoutes: batchVerified,
		TotalRoutes:    batchTotal,
		Reason:         rej.Err.Error(),
	}
	e.notify.Add(1)
	go func() {
		defer e.notify.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
		defer cancel()
		if err := e.postConfirmation(nctx, rej.Route.URL, rej.Route.Addr, conf); err != nil {
			log.WithFields(logrus.Fields{"addr": rej.Route.Addr, "url": rej.Route.URL}).
				WithError(err).Warn("Failure notification not delivered")
		}
	}()
}

// postConfirmation POSTs with bounded retries and exponential backoff. The
// body rides the session key when one is established for the address.
func (e *Engine) postConfirmation(ctx context.Context, baseURL, addr string, conf Confirmation) error {
	body, err := json.Marshal(conf)
	if err != nil {
		return errors.Wrap(err, "marshal confirmation")
	}
	if key, ok := e.session(addr); ok {
		if body, err = cryptobox.SessionEncrypt(key, body); err != nil {
			return err
		}
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= e.cfg.ConfirmRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/confirmation", bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build confirmation request")
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.httpc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
			lastErr = errors.Errorf("prover returned http %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < e.cfg.ConfirmRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return lastErr
}
