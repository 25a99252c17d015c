package recordstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"flowrelay/pkg/errors"
)

// GetUserDetail returns a directory user with department names resolved.
// Results are cached per staff id and locale. The boolean reports whether
// the lookup succeeded; a failure degrades to a minimal sentinel so an
// enrichment miss never aborts event handling.
func (c *Client) GetUserDetail(ctx context.Context, staffID, locale string) (UserDetail, bool) {
	if locale == "" {
		locale = c.cfg.Locale
	}
	cacheKey := staffID + ":" + locale

	if user, ok := c.caches.Users.Get(cacheKey); ok {
		return user, true
	}

	user, err := c.fetchUser(ctx, staffID, locale)
	if err != nil {
		c.log.WarnwCtx(ctx, "User lookup failed, continuing without enrichment",
			"staff_id", staffID, "error", err)
		return UserDetail{UserID: staffID}, false
	}

	c.caches.Users.Set(cacheKey, user)
	return user, true
}

func (c *Client) fetchUser(ctx context.Context, staffID, locale string) (UserDetail, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return UserDetail{}, err
	}

	query := url.Values{"access_token": {token}}
	body := map[string]interface{}{
		"userid":   staffID,
		"language": locale,
	}
	resp, err := c.do(ctx, "get_user", http.MethodPost, "/topapi/v2/user/get", query, nil, body)
	if err != nil {
		return UserDetail{}, err
	}
	if code, ok := resp["errcode"].(float64); ok && code != 0 {
		return UserDetail{}, errors.ErrRemote.WithCause(fmt.Errorf("user query failed: %v", resp))
	}
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		return UserDetail{}, errors.ErrRemote.WithCause(fmt.Errorf("user response has no result: %v", resp))
	}

	user := UserDetail{UserID: staffID}
	if v, ok := result["userid"].(string); ok && v != "" {
		user.UserID = v
	}
	user.UnionID, _ = result["unionid"].(string)
	user.Name, _ = result["name"].(string)
	user.Mobile, _ = result["mobile"].(string)
	user.Email, _ = result["email"].(string)
	user.Title, _ = result["title"].(string)
	user.Active, _ = result["active"].(bool)

	if ids, ok := result["dept_id_list"].([]interface{}); ok {
		for _, raw := range ids {
			id, ok := toInt64(raw)
			if !ok {
				continue
			}
			dept, err := c.getDepartment(ctx, id, locale)
			if err != nil {
				c.log.WarnwCtx(ctx, "Department lookup failed, skipping",
					"dept_id", id, "error", err)
				continue
			}
			user.DeptList = append(user.DeptList, dept)
		}
	}

	return user, nil
}

// getDepartment resolves one department through the cache, preferring the
// v2 endpoint and falling back to the legacy one when v2 errors or comes
// back empty.
func (c *Client) getDepartment(ctx context.Context, deptID int64, locale string) (Department, error) {
	cacheKey := strconv.FormatInt(deptID, 10) + ":" + locale

	if dept, ok := c.caches.Depts.Get(cacheKey); ok {
		return dept, nil
	}

	dept, err := c.fetchDepartmentV2(ctx, deptID, locale)
	if err != nil || dept.Name == "" {
		if err != nil {
			c.log.DebugwCtx(ctx, "v2 department lookup failed, trying legacy",
				"dept_id", deptID, "error", err)
		}
		dept, err = c.fetchDepartmentLegacy(ctx, deptID, locale)
		if err != nil {
			return Department{}, err
		}
	}

	c.caches.Depts.Set(cacheKey, dept)
	return dept, nil
}

func (c *Client) fetchDepartmentV2(ctx context.Context, deptID int64, locale string) (Department, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return Department{}, err
	}

	query := url.Values{"access_token": {token}}
	body := map[string]interface{}{
		"dept_id":  deptID,
		"language": locale,
	}
	resp, err := c.do(ctx, "get_department_v2", http.MethodPost, "/topapi/v2/department/get", query, nil, body)
	if err != nil {
		return Department{}, err
	}
	if code, ok := resp["errcode"].(float64); ok && code != 0 {
		return Department{}, errors.ErrRemote.WithCause(fmt.Errorf("department query failed: %v", resp))
	}

	result, _ := resp["result"].(map[string]interface{})
	name, _ := result["name"].(string)
	return Department{DeptID: deptID, Name: name}, nil
}

func (c *Client) fetchDepartmentLegacy(ctx context.Context, deptID int64, locale string) (Department, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return Department{}, err
	}

	query := url.Values{
		"access_token": {token},
		"id":           {strconv.FormatInt(deptID, 10)},
		"lang":         {locale},
	}
	resp, err := c.do(ctx, "get_department_legacy", http.MethodGet, "/department/get", query, nil, nil)
	if err != nil {
		return Department{}, err
	}
	if code, ok := resp["errcode"].(float64); ok && code != 0 {
		return Department{}, errors.ErrRemote.WithCause(fmt.Errorf("legacy department query failed: %v", resp))
	}

	name, _ := resp["name"].(string)
	if name == "" {
		return Department{}, errors.ErrNotFound.WithDetail("dept_id", deptID)
	}
	return Department{DeptID: deptID, Name: name}, nil
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
