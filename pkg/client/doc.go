/*
Package client provides a typed Go client for OctoLab's internal API.

The CLI and other trusted tools use it instead of hand-rolling HTTP:
one method per API operation, request and response types matching the
wire contract, and the shared internal token attached to every call.

# Usage

	c := client.New("http://127.0.0.1:8800", os.Getenv("OCTOLAB_INTERNAL_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lab, err := c.CreateLab(ctx, "owner-42", "recipe-nmap-basics", "port scanning practice")
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			// pool exhausted or state conflict; retry later
		}
		return err
	}

Calls are bounded by the caller's context rather than a client-wide
timeout, because admin operations (watchdog, gc, retention) can
legitimately run for minutes while lab reads should give up in
seconds.

# Errors

Non-2xx responses decode into *APIError carrying the HTTP status and
the server's error class (validation, not_found, conflict). Transport
failures come back as wrapped errors from net/http.
*/
package client
