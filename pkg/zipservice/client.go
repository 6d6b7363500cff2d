// Package zipservice is a client for a remote zip-as-a-service API that
// zips a bucket folder server-side.
//
// The conversation is three sequential calls: obtain a bearer token, start a
// zip job for a folder, then fetch the job result. The result call is made
// exactly once; the service may still report the job as started.
package zipservice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/eunmann/s3zip/internal/logctx"
)

// DefaultBaseURL is the public service endpoint.
const DefaultBaseURL = "https://api.s3zipper.com"

// DefaultExpireLinkHours is the lifetime of the generated download link.
const DefaultExpireLinkHours = 24

// Config holds service credentials and the source bucket the service reads.
type Config struct {
	BaseURL    string
	UserKey    string
	UserSecret string

	AWSKey    string
	AWSSecret string
	AWSRegion string
	AWSBucket string

	ExpireLinkHours int
	HTTPClient      *http.Client
}

// Stage names a step of the conversation.
type Stage string

const (
	StageToken  Stage = "token"
	StageStart  Stage = "start"
	StageResult Stage = "result"
)

// RemoteServiceError reports a failed or malformed service response.
type RemoteServiceError struct {
	Stage      Stage
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteServiceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zipservice %s", e.Stage)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", truncate(e.Body, 256))
	}
	return b.String()
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// Result is the tagged outcome of Run. Err is nil only when every stage
// succeeded; Stage is the last stage attempted.
type Result struct {
	Stage   Stage
	TaskID  string
	Payload json.RawMessage
	Err     error
}

// OK reports whether the conversation completed.
func (r Result) OK() bool {
	return r.Err == nil
}

// Client holds the token and task identifier of one conversation.
type Client struct {
	cfg    Config
	http   *http.Client
	token  string
	taskID string
}

// NewClient returns a client with defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ExpireLinkHours <= 0 {
		cfg.ExpireLinkHours = DefaultExpireLinkHours
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: 2 * time.Minute,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Client{cfg: cfg, http: hc}
}

// Run performs the three calls for folderPath, naming the archive zipTo.
func (c *Client) Run(ctx context.Context, folderPath, zipTo string) Result {
	log := logctx.FromContext(ctx).With().Str("folder", folderPath).Str("zip_to", zipTo).Logger()

	if err := c.GenerateToken(ctx); err != nil {
		log.Warn().Err(err).Msg("zip service token request failed")
		return Result{Stage: StageToken, Err: err}
	}
	if err := c.StartZip(ctx, folderPath, zipTo); err != nil {
		log.Warn().Err(err).Msg("zip service start request failed")
		return Result{Stage: StageStart, Err: err}
	}
	payload, err := c.FetchResult(ctx)
	if err != nil {
		log.Warn().Err(err).Str("task", c.taskID).Msg("zip service result request failed")
		return Result{Stage: StageResult, TaskID: c.taskID, Err: err}
	}
	log.Info().Str("task", c.taskID).Msg("zip service job submitted")
	return Result{Stage: StageResult, TaskID: c.taskID, Payload: payload}
}

type tokenResponse struct {
	Token string          `json:"token"`
	Error json.RawMessage `json:"error"`
}

// GenerateToken exchanges the user credentials for a bearer token.
func (c *Client) GenerateToken(ctx context.Context) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("userKey", c.cfg.UserKey); err != nil {
		return &RemoteServiceError{Stage: StageToken, Err: err}
	}
	if err := mw.WriteField("userSecret", c.cfg.UserSecret); err != nil {
		return &RemoteServiceError{Stage: StageToken, Err: err}
	}
	if err := mw.Close(); err != nil {
		return &RemoteServiceError{Stage: StageToken, Err: err}
	}

	var resp tokenResponse
	raw, err := c.post(ctx, StageToken, "/gentoken", mw.FormDataContentType(), &body, false, &resp)
	if err != nil {
		return err
	}
	if err := checkErrorField(StageToken, resp.Error, raw); err != nil {
		return err
	}
	if resp.Token == "" {
		return &RemoteServiceError{Stage: StageToken, Body: string(raw), Err: errMissing("token")}
	}
	c.token = resp.Token
	return nil
}

type startRequest struct {
	AWSKey      string   `json:"awsKey"`
	AWSSecret   string   `json:"awsSecret"`
	AWSRegion   string   `json:"awsRegion"`
	AWSBucket   string   `json:"awsBucket"`
	ExpireLink  int      `json:"expireLink"`
	FilePaths   []string `json:"filePaths"`
	ZipTo       string   `json:"zipTo"`
	ZipFileName string   `json:"zipFileName"`
	BucketAsDir string   `json:"bucketAsDir"`
}

type startResponse struct {
	TaskUUID []struct {
		StreamS3V2 string `json:"streams3v2"`
	} `json:"taskUUID"`
	Error json.RawMessage `json:"error"`
}

// StartZip submits the zip job and records its task identifier.
func (c *Client) StartZip(ctx context.Context, folderPath, zipTo string) error {
	req := startRequest{
		AWSKey:      c.cfg.AWSKey,
		AWSSecret:   c.cfg.AWSSecret,
		AWSRegion:   c.cfg.AWSRegion,
		AWSBucket:   c.cfg.AWSBucket,
		ExpireLink:  c.cfg.ExpireLinkHours,
		FilePaths:   []string{c.cfg.AWSBucket + folderPath},
		ZipTo:       zipTo,
		ZipFileName: zipTo + ".zip",
		BucketAsDir: lastSegment(folderPath),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return &RemoteServiceError{Stage: StageStart, Err: err}
	}

	var resp startResponse
	raw, err := c.post(ctx, StageStart, "/v2/zipstart", "application/json; charset=utf-8", bytes.NewReader(payload), true, &resp)
	if err != nil {
		return err
	}
	if err := checkErrorField(StageStart, resp.Error, raw); err != nil {
		return err
	}
	if len(resp.TaskUUID) == 0 || resp.TaskUUID[0].StreamS3V2 == "" {
		return &RemoteServiceError{Stage: StageStart, Body: string(raw), Err: errMissing("taskUUID")}
	}
	c.taskID = resp.TaskUUID[0].StreamS3V2
	return nil
}

type chainTask struct {
	IDURL string `json:"idurl"`
}

type resultRequest struct {
	Message       string      `json:"message"`
	ChainTaskUUID []chainTask `json:"chainTaskUUID"`
}

type resultResponse struct {
	Results json.RawMessage `json:"results"`
	Error   json.RawMessage `json:"error"`
}

// FetchResult asks for the job's result once and returns the raw results.
func (c *Client) FetchResult(ctx context.Context) (json.RawMessage, error) {
	req := resultRequest{
		Message:       "STARTED",
		ChainTaskUUID: []chainTask{{IDURL: c.taskID}},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &RemoteServiceError{Stage: StageResult, Err: err}
	}

	var resp resultResponse
	raw, err := c.post(ctx, StageResult, "/v2/zipresult", "application/json", bytes.NewReader(payload), true, &resp)
	if err != nil {
		return nil, err
	}
	if err := checkErrorField(StageResult, resp.Error, raw); err != nil {
		return nil, err
	}
	if isEmptyJSON(resp.Results) {
		return nil, &RemoteServiceError{Stage: StageResult, Body: string(raw), Err: errMissing("results")}
	}
	return resp.Results, nil
}

// Token returns the bearer token of the conversation.
func (c *Client) Token() string {
	return c.token
}

// TaskID returns the task identifier returned by StartZip.
func (c *Client) TaskID() string {
	return c.taskID
}

func (c *Client) post(ctx context.Context, stage Stage, path, contentType string, body io.Reader, auth bool, out any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, &RemoteServiceError{Stage: stage, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RemoteServiceError{Stage: stage, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteServiceError{Stage: stage, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 300 {
		return raw, &RemoteServiceError{Stage: stage, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return raw, &RemoteServiceError{Stage: stage, StatusCode: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("malformed response: %w", err)}
	}
	return raw, nil
}

func checkErrorField(stage Stage, field json.RawMessage, raw []byte) error {
	if isEmptyJSON(field) {
		return nil
	}
	switch strings.TrimSpace(string(field)) {
	case "0", "false", `""`:
		return nil
	}
	return &RemoteServiceError{Stage: stage, Body: string(raw), Err: fmt.Errorf("service error %s", field)}
}

func isEmptyJSON(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s == "" || s == "null" || s == "[]" || s == "{}" || s == `""`
}

type errMissing string

func (e errMissing) Error() string {
	return "response missing " + string(e)
}

func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
