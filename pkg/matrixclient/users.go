package matrixclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/42wim/mattercomments/bridge"
	"maunium.net/go/mautrix"
)

// DeviceDisplayName names the devices this client registers and logs in.
const DeviceDisplayName = "Matter Comments"

// RegisterGuest asks the homeserver for a fresh guest account.
func (c *Client) RegisterGuest(ctx context.Context) (*AuthResponse, error) {
	mc, err := c.api(ctx, "")
	if err != nil {
		return nil, err
	}

	c.logger.Debug("register guest")

	resp, uia, err := mc.RegisterGuest(&mautrix.ReqRegister{
		InitialDeviceDisplayName: DeviceDisplayName,
	})
	if err != nil {
		return nil, c.wrapError("register guest", err)
	}

	if resp == nil {
		if uia != nil {
			return nil, fmt.Errorf("register guest: %w", &bridge.StatusError{
				StatusCode: http.StatusUnauthorized,
				Message:    "interactive authentication required",
			})
		}

		return nil, fmt.Errorf("register guest: %w: empty answer", bridge.ErrBadBody)
	}

	auth := &AuthResponse{
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}

	if err := checkAuth(auth); err != nil {
		return nil, fmt.Errorf("register guest: %w", err)
	}

	c.logger.Infof("registered guest %s", auth.UserID)

	return auth, nil
}

// Login does a password login for user, a localpart or full user id.
func (c *Client) Login(ctx context.Context, user, password string) (*AuthResponse, error) {
	mc, err := c.api(ctx, "")
	if err != nil {
		return nil, err
	}

	c.logger.Debugf("login %s", user)

	resp, err := mc.Login(&mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: user,
		},
		Password:                 password,
		InitialDeviceDisplayName: DeviceDisplayName,
	})
	if err != nil {
		return nil, c.wrapError("login", err)
	}

	if resp == nil {
		return nil, fmt.Errorf("login: %w: empty answer", bridge.ErrBadBody)
	}

	auth := &AuthResponse{
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}

	if err := checkAuth(auth); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	c.logger.Infof("logged in as %s", auth.UserID)

	return auth, nil
}

func checkAuth(resp *AuthResponse) error {
	switch {
	case resp.UserID == "":
		return fmt.Errorf("%w: missing user_id", bridge.ErrBadBody)
	case resp.AccessToken == "":
		return fmt.Errorf("%w: missing access_token", bridge.ErrBadBody)
	}

	return nil
}

// Logout invalidates token.
func (c *Client) Logout(ctx context.Context, token string) error {
	mc, err := c.api(ctx, token)
	if err != nil {
		return err
	}

	_, err = mc.Logout()

	return c.wrapError("logout", err)
}

// Members fetches the member state events of a room.
func (c *Client) Members(ctx context.Context, token, roomID string) (*MembersResponse, error) {
	mc, err := c.api(ctx, token)
	if err != nil {
		return nil, err
	}

	var resp MembersResponse

	_, err = mc.MakeFullRequest(http.MethodGet, mc.BuildURL("rooms", roomID, "members"), nil, nil, &resp)
	if err != nil {
		return nil, c.wrapError("members", err)
	}

	return &resp, nil
}
