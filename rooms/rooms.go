// Package rooms talks to the external collaborators the engine needs
// before a call or media send can happen: the video-room provisioning
// API (room name -> room URL) and the blob-upload service (bytes ->
// public URL).
package rooms

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/valyala/fasthttp"
)

const requestTimeout = 10 * time.Second

type Client struct {
	apiURL    string // room provisioning endpoint
	uploadURL string // blob upload endpoint
	token     string
	hc        *fasthttp.Client
}

func NewClient(apiURL, uploadURL, token string) *Client {
	return &Client{
		apiURL:    apiURL,
		uploadURL: uploadURL,
		token:     token,
		hc:        &fasthttp.Client{ReadTimeout: requestTimeout, WriteTimeout: requestTimeout},
	}
}

type createRoomReq struct {
	Name string `json:"name"`
}

type createRoomResp struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// CreateRoom provisions a call room by name and returns its URL.
func (c *Client) CreateRoom(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("rooms: empty room name")
	}

	body, _ := json.Marshal(&createRoomReq{Name: name})

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.apiURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.SetBody(body)

	if err := c.hc.DoTimeout(req, resp, requestTimeout); err != nil {
		return "", fmt.Errorf("rooms: create %q: %v", name, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("rooms: create %q: status %d", name, resp.StatusCode())
	}

	var out createRoomResp
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("rooms: create %q: bad response: %v", name, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("rooms: create %q: %s", name, out.Error)
	}
	if out.URL == "" {
		return "", fmt.Errorf("rooms: create %q: response carries no url", name)
	}

	glog.V(5).Infof("rooms: provisioned %q -> %s", name, out.URL)
	return out.URL, nil
}

type uploadResp struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// Upload pushes a blob and returns its public URL, used to fill the
// `url` field before a media record is built.
func (c *Client) Upload(fileName string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("rooms: refuse to upload empty blob %q", fileName)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.uploadURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/octet-stream")
	req.Header.Set("X-File-Name", fileName)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.SetBody(data)

	if err := c.hc.DoTimeout(req, resp, requestTimeout); err != nil {
		return "", fmt.Errorf("rooms: upload %q: %v", fileName, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("rooms: upload %q: status %d", fileName, resp.StatusCode())
	}

	var out uploadResp
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("rooms: upload %q: bad response: %v", fileName, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("rooms: upload %q: %s", fileName, out.Error)
	}
	return out.URL, nil
}
