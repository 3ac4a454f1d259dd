package customvision

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/vision"
)

func projectCacheKey(name string) string { return "project:" + name }
func tagsCacheKey(projectID string) string { return "tags:" + projectID }

// CreateProject returns the project named name, creating it when absent.
// Concurrent calls for the same name share one remote lookup.
func (c *Client) CreateProject(ctx context.Context, name string) (vision.Project, error) {
	if cached, found := c.cache.Get(projectCacheKey(name)); found {
		if p, ok := cached.(vision.Project); ok {
			return p, nil
		}
	}

	v, err, _ := c.group.Do(projectCacheKey(name), func() (any, error) {
		var projects []projectDTO
		err := c.do(ctx, &request{
			op:        "list_projects",
			method:    http.MethodGet,
			url:       c.trainingURL("/projects", nil),
			keyHeader: trainingKeyHeader,
		}, &projects)
		if err != nil {
			return nil, err
		}
		for _, p := range projects {
			if p.Name == name {
				c.log.Debug("reusing existing project",
					logger.String("project_id", p.ID),
					logger.String("name", name))
				return p.toVision(), nil
			}
		}

		q := url.Values{}
		q.Set("name", name)
		if c.settings.ClassificationType != "" {
			q.Set("classificationType", c.settings.ClassificationType)
		}
		if c.settings.DomainID != "" {
			q.Set("domainId", c.settings.DomainID)
		}
		var created projectDTO
		err = c.do(ctx, &request{
			op:        "create_project",
			method:    http.MethodPost,
			url:       c.trainingURL("/projects", q),
			keyHeader: trainingKeyHeader,
		}, &created)
		if err != nil {
			return nil, err
		}
		c.log.Info("created remote project",
			logger.String("project_id", created.ID),
			logger.String("name", name))
		return created.toVision(), nil
	})
	if err != nil {
		return vision.Project{}, err
	}

	p := v.(vision.Project)
	c.cache.Set(projectCacheKey(name), p, cache.DefaultExpiration)
	return p, nil
}

// GetProject loads a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (vision.Project, error) {
	var p projectDTO
	err := c.do(ctx, &request{
		op:        "get_project",
		method:    http.MethodGet,
		url:       c.trainingURL("/projects/"+url.PathEscape(projectID), nil),
		keyHeader: trainingKeyHeader,
		notFound:  errors.ErrRemoteProjectNotFound,
	}, &p)
	if err != nil {
		return vision.Project{}, err
	}
	return p.toVision(), nil
}

// tags returns the project's tags, cached for the configured TTL.
func (c *Client) tags(ctx context.Context, projectID string) ([]tagDTO, error) {
	key := tagsCacheKey(projectID)
	if cached, found := c.cache.Get(key); found {
		if tags, ok := cached.([]tagDTO); ok {
			return tags, nil
		}
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		var tags []tagDTO
		err := c.do(ctx, &request{
			op:        "list_tags",
			method:    http.MethodGet,
			url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/tags", nil),
			keyHeader: trainingKeyHeader,
			notFound:  errors.ErrRemoteProjectNotFound,
		}, &tags)
		return tags, err
	})
	if err != nil {
		return nil, err
	}
	tags := v.([]tagDTO)
	c.cache.Set(key, tags, cache.DefaultExpiration)
	return tags, nil
}

// findTag matches an exact name first and falls back to a case-insensitive match,
// since the service rejects names differing only in case.
func findTag(tags []tagDTO, name string) (tagDTO, bool) {
	for _, t := range tags {
		if t.Name == name {
			return t, true
		}
	}
	for _, t := range tags {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return tagDTO{}, false
}

func (c *Client) ensureTag(ctx context.Context, projectID, name string) (tagDTO, error) {
	tags, err := c.tags(ctx, projectID)
	if err != nil {
		return tagDTO{}, err
	}
	if t, ok := findTag(tags, name); ok {
		return t, nil
	}

	q := url.Values{}
	q.Set("name", name)
	var created tagDTO
	err = c.do(ctx, &request{
		op:        "create_tag",
		method:    http.MethodPost,
		url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/tags", q),
		keyHeader: trainingKeyHeader,
		notFound:  errors.ErrRemoteProjectNotFound,
	}, &created)
	c.cache.Delete(tagsCacheKey(projectID))
	if err != nil {
		return tagDTO{}, err
	}
	c.log.Info("created remote tag",
		logger.String("project_id", projectID),
		logger.String("tag", name))
	return created, nil
}

// UploadImages uploads each file as its own request, up to UploadConcurrency at a time.
// Failed files are logged and counted; the batch fails only when nothing was uploaded.
func (c *Client) UploadImages(ctx context.Context, projectID, tagName string, paths []string) (vision.UploadResult, error) {
	result := vision.UploadResult{ImageIDs: make(map[string]string, len(paths))}
	if len(paths) == 0 {
		return result, nil
	}

	tag, err := c.ensureTag(ctx, projectID, tagName)
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.settings.UploadConcurrency)
	for _, path := range paths {
		g.Go(func() error {
			id, err := c.uploadOne(gctx, projectID, tag.ID, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				c.log.Warn("image upload failed",
					logger.String("file", filepath.Base(path)),
					logger.String("tag", tagName),
					logger.Error(err))
				// only cancellation stops the batch
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			result.Succeeded++
			result.ImageIDs[path] = id
			return nil
		})
	}
	waitErr := g.Wait()
	c.cache.Delete(tagsCacheKey(projectID))

	c.log.Info("image upload completed",
		logger.String("project_id", projectID),
		logger.String("tag", tagName),
		logger.Int("succeeded", result.Succeeded),
		logger.Int("failed", result.Failed))

	if result.Succeeded == 0 {
		cause := waitErr
		if cause == nil {
			cause = fmt.Errorf("all %d images failed to upload", len(paths))
		}
		return result, errors.New(cause).
			Component("customvision").
			Category(errors.CategoryVision).
			Context("tag", tagName).
			Context("failed", result.Failed).
			Build()
	}
	return result, nil
}

func (c *Client) uploadOne(ctx context.Context, projectID, tagID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.New(err).
			Component("customvision").
			Category(errors.CategoryFileIO).
			Context("file", filepath.Base(path)).
			Build()
	}

	q := url.Values{}
	q.Set("tagIds", tagID)
	var summary imageCreateSummaryDTO
	err = c.do(ctx, &request{
		op:          "upload_image",
		method:      http.MethodPost,
		url:         c.trainingURL("/projects/"+url.PathEscape(projectID)+"/images", q),
		keyHeader:   trainingKeyHeader,
		body:        data,
		contentType: "application/octet-stream",
		notFound:    errors.ErrRemoteProjectNotFound,
	}, &summary)
	if err != nil {
		return "", err
	}

	for _, img := range summary.Images {
		// OKDuplicate means the same bytes were uploaded before; the image exists remotely.
		if (img.Status == "OK" || img.Status == "OKDuplicate") && img.Image != nil {
			return img.Image.ID, nil
		}
	}
	status := "unknown"
	if len(summary.Images) > 0 {
		status = summary.Images[0].Status
	}
	return "", errors.Newf("image rejected by service: %s", status).
		Component("customvision").
		Category(errors.CategoryVision).
		Context("file", filepath.Base(path)).
		Build()
}

// Train starts a new training iteration.
func (c *Client) Train(ctx context.Context, projectID string) (vision.Iteration, error) {
	var it iterationDTO
	err := c.do(ctx, &request{
		op:        "train",
		method:    http.MethodPost,
		url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/train", nil),
		keyHeader: trainingKeyHeader,
		notFound:  errors.ErrRemoteProjectNotFound,
	}, &it)
	if err != nil {
		return vision.Iteration{}, err
	}
	c.log.Info("training started",
		logger.String("project_id", projectID),
		logger.String("iteration_id", it.ID))
	return it.toVision(), nil
}

// PollIteration returns the current state of an iteration.
func (c *Client) PollIteration(ctx context.Context, projectID, iterationID string) (vision.Iteration, error) {
	var it iterationDTO
	err := c.do(ctx, &request{
		op:        "get_iteration",
		method:    http.MethodGet,
		url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/iterations/"+url.PathEscape(iterationID), nil),
		keyHeader: trainingKeyHeader,
		notFound:  errors.ErrRemoteProjectNotFound,
	}, &it)
	if err != nil {
		return vision.Iteration{}, err
	}
	return it.toVision(), nil
}

// Publish exposes an iteration for prediction. Publishing needs the prediction
// resource id; without it Publish logs a warning and returns false.
func (c *Client) Publish(ctx context.Context, projectID, iterationID, name string) bool {
	if c.settings.PredictionResourceID == "" {
		c.log.Warn("prediction resource id not configured, cannot publish",
			logger.String("project_id", projectID),
			logger.String("iteration_id", iterationID))
		return false
	}
	q := url.Values{}
	q.Set("publishName", name)
	q.Set("predictionId", c.settings.PredictionResourceID)
	var ok bool
	err := c.do(ctx, &request{
		op:        "publish",
		method:    http.MethodPost,
		url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/iterations/"+url.PathEscape(iterationID)+"/publish", q),
		keyHeader: trainingKeyHeader,
	}, &ok)
	if err != nil {
		c.log.Warn("publish failed",
			logger.String("project_id", projectID),
			logger.String("iteration_id", iterationID),
			logger.String("publish_name", name),
			logger.Error(err))
		return false
	}
	if ok {
		c.log.Info("iteration published",
			logger.String("project_id", projectID),
			logger.String("publish_name", name))
	}
	return ok
}

// DeleteTag deletes a tag by name. Images keep existing remotely without it.
func (c *Client) DeleteTag(ctx context.Context, projectID, tagName string) bool {
	tags, err := c.tags(ctx, projectID)
	if err != nil {
		c.log.Error("failed to list tags for delete", logger.String("tag", tagName), logger.Error(err))
		return false
	}
	tag, found := findTag(tags, tagName)
	if !found {
		c.log.Warn("remote tag not found, nothing to delete",
			logger.String("project_id", projectID),
			logger.String("tag", tagName))
		return true
	}

	err = c.do(ctx, &request{
		op:        "delete_tag",
		method:    http.MethodDelete,
		url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/tags/"+url.PathEscape(tag.ID), nil),
		keyHeader: trainingKeyHeader,
	}, nil)
	c.cache.Delete(tagsCacheKey(projectID))
	if err != nil {
		c.log.Error("failed to delete remote tag", logger.String("tag", tagName), logger.Error(err))
		return false
	}
	c.log.Info("deleted remote tag", logger.String("project_id", projectID), logger.String("tag", tagName))
	return true
}

// DeleteImage deletes one image by remote id.
func (c *Client) DeleteImage(ctx context.Context, projectID, imageID string) bool {
	return c.DeleteImages(ctx, projectID, []string{imageID})
}

// DeleteImages deletes up to vision.MaxDeleteBatch images in one call.
func (c *Client) DeleteImages(ctx context.Context, projectID string, imageIDs []string) bool {
	if len(imageIDs) == 0 {
		return true
	}
	if len(imageIDs) > vision.MaxDeleteBatch {
		c.log.Error("delete batch too large",
			logger.Int("count", len(imageIDs)),
			logger.Int("max", vision.MaxDeleteBatch))
		return false
	}
	q := url.Values{}
	q.Set("imageIds", strings.Join(imageIDs, ","))
	err := c.do(ctx, &request{
		op:        "delete_images",
		method:    http.MethodDelete,
		url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/images", q),
		keyHeader: trainingKeyHeader,
	}, nil)
	c.cache.Delete(tagsCacheKey(projectID))
	if err != nil {
		c.log.Error("failed to delete remote images", logger.Int("count", len(imageIDs)), logger.Error(err))
		return false
	}
	c.log.Debug("deleted remote images", logger.Int("count", len(imageIDs)))
	return true
}

// ListTags lists the project's tags with image counts.
func (c *Client) ListTags(ctx context.Context, projectID string) ([]vision.Tag, bool) {
	tags, err := c.tags(ctx, projectID)
	if err != nil {
		c.log.Error("failed to list remote tags", logger.String("project_id", projectID), logger.Error(err))
		return nil, false
	}
	out := make([]vision.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, vision.Tag{ID: t.ID, Name: t.Name, ImageCount: t.ImageCount})
	}
	return out, true
}

// ListImages pages through tagged images. A tag that does not exist has no images.
func (c *Client) ListImages(ctx context.Context, projectID, tagName string) ([]vision.Image, bool) {
	q := url.Values{}
	if tagName != "" {
		tags, err := c.tags(ctx, projectID)
		if err != nil {
			c.log.Error("failed to list remote tags", logger.String("project_id", projectID), logger.Error(err))
			return nil, false
		}
		tag, found := findTag(tags, tagName)
		if !found {
			return []vision.Image{}, true
		}
		q.Set("tagIds", tag.ID)
	}

	var out []vision.Image
	for skip := 0; ; skip += taggedPageSize {
		q.Set("take", strconv.Itoa(taggedPageSize))
		q.Set("skip", strconv.Itoa(skip))
		var page []imageDTO
		err := c.do(ctx, &request{
			op:        "list_tagged_images",
			method:    http.MethodGet,
			url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/images/tagged", q),
			keyHeader: trainingKeyHeader,
		}, &page)
		if err != nil {
			c.log.Error("failed to list remote images",
				logger.String("project_id", projectID),
				logger.String("tag", tagName),
				logger.Error(err))
			return nil, false
		}
		for _, img := range page {
			out = append(out, img.toVision())
		}
		if len(page) < taggedPageSize {
			return out, true
		}
	}
}

// ListIterations lists every iteration of the project.
func (c *Client) ListIterations(ctx context.Context, projectID string) ([]vision.Iteration, bool) {
	var iterations []iterationDTO
	err := c.do(ctx, &request{
		op:        "list_iterations",
		method:    http.MethodGet,
		url:       c.trainingURL("/projects/"+url.PathEscape(projectID)+"/iterations", nil),
		keyHeader: trainingKeyHeader,
	}, &iterations)
	if err != nil {
		c.log.Error("failed to list iterations", logger.String("project_id", projectID), logger.Error(err))
		return nil, false
	}
	out := make([]vision.Iteration, 0, len(iterations))
	for _, it := range iterations {
		out = append(out, it.toVision())
	}
	return out, true
}

// ListPublishedIterations lists iterations that carry a publish name, whatever their status.
func (c *Client) ListPublishedIterations(ctx context.Context, projectID string) ([]vision.Iteration, bool) {
	iterations, ok := c.ListIterations(ctx, projectID)
	if !ok {
		return nil, false
	}
	return vision.PublishedOnly(iterations), true
}
