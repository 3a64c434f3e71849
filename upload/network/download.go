package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// DownloadParams ...
type DownloadParams struct {
	APIBaseURL   string
	Token        string
	UploadID     string
	DownloadPath string
}

// DownloadArtifact fetches the finalized artifact of a completed upload
// session to params.DownloadPath. Ranged parallel download is used when the
// server supports it; got falls back to a plain GET otherwise.
func DownloadArtifact(ctx context.Context, params DownloadParams, logger log.Logger) error {
	if params.APIBaseURL == "" {
		return fmt.Errorf("API base URL is empty")
	}
	if params.UploadID == "" {
		return fmt.Errorf("upload ID is empty")
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	url := fmt.Sprintf("%s/uploads/%s/artifact", params.APIBaseURL, params.UploadID)
	logger.Debugf("Downloading artifact for session %s", params.UploadID)

	return downloadFile(ctx, retryableHTTPClient.StandardClient(), url, params.DownloadPath, params.Token)
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string, token string) error {
	downloader := got.New()
	downloader.Client = client

	download := got.NewDownload(ctx, url, dest)
	if token != "" {
		download.Header = append(download.Header, got.GotHeader{
			Key:   "Authorization",
			Value: fmt.Sprintf("Bearer %s", token),
		})
	}

	return downloader.Do(download)
}
