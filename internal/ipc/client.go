package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Resp any](c *Client, method string, req any) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(ServiceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit creates or joins a job.
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	return call[SubmitResponse](c, "Submit", req)
}

// JobStatus returns a job snapshot.
func (c *Client) JobStatus(jobID string) (*JobStatusResponse, error) {
	return call[JobStatusResponse](c, "JobStatus", JobRequest{JobID: jobID})
}

// Cancel cancels a queued or running job.
func (c *Client) Cancel(jobID string) (*CancelResponse, error) {
	return call[CancelResponse](c, "Cancel", JobRequest{JobID: jobID})
}

// Retry re-queues a failed or cancelled job.
func (c *Client) Retry(jobID string) (*RetryResponse, error) {
	return call[RetryResponse](c, "Retry", JobRequest{JobID: jobID})
}

// List returns a user's jobs.
func (c *Client) List(userID string) (*ListResponse, error) {
	return call[ListResponse](c, "List", ListRequest{UserID: userID})
}

// Forget removes a user's access row.
func (c *Client) Forget(req ForgetRequest) (*ForgetResponse, error) {
	return call[ForgetResponse](c, "Forget", req)
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{})
}

// Stop requests the daemon to drain and exit.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopResponse](c, "Stop", StopRequest{})
}

// DatabaseHealth retrieves detailed ledger diagnostics.
func (c *Client) DatabaseHealth() (*DatabaseHealthResponse, error) {
	return call[DatabaseHealthResponse](c, "DatabaseHealth", DatabaseHealthRequest{})
}

// LogTail returns log lines from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	return call[LogTailResponse](c, "LogTail", req)
}
