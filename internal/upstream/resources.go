package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/remeh/sizedwaitgroup"

	"github.com/pinmirror/pinmirror/pkg/types"
)

var (
	// ErrNoProfile is returned when the user detail response carries no profile.
	ErrNoProfile = errors.New("upstream: user detail has no profile")

	// ErrUserNotFound is returned when a user search has no matching hit.
	ErrUserNotFound = errors.New("upstream: user not found")
)

type rosterResponse struct {
	User *struct {
		Machines []types.Machine `json:"machines"`
	} `json:"user"`
}

// FetchRoster returns the account's non-archived machines in upstream order,
// each enriched with its live detail. A machine whose detail cannot be
// fetched keeps its roster record. An empty roster is not an error.
func (c *Client) FetchRoster(ctx context.Context) ([]types.Machine, error) {
	var resp rosterResponse
	if err := c.get(ctx, c.cms("/user_registered_machines/?group_type=home"), &resp); err != nil {
		return nil, err
	}
	if resp.User == nil || len(resp.User.Machines) == 0 {
		return nil, nil
	}
	return c.enrich(ctx, types.WithoutArchived(resp.User.Machines)), nil
}

// enrich fetches each machine's detail with bounded concurrency and merges it
// into the roster record. Output order matches input order.
func (c *Client) enrich(ctx context.Context, base []types.Machine) []types.Machine {
	out := make([]types.Machine, len(base))
	swg := sizedwaitgroup.New(c.opts.Workers)
	for i, m := range base {
		swg.Add()
		go func(i int, m types.Machine) {
			defer swg.Done()
			d, err := c.FetchMachineDetail(ctx, m.ID)
			if err != nil {
				slog.Warn("upstream: machine detail failed, using roster record",
					"machine", m.ID, "err", err)
				out[i] = m
				return
			}
			out[i] = types.MergeDetail(m, d)
		}(i, m)
	}
	swg.Wait()
	return out
}

// FetchMachineDetail returns the live detail resource of machine id.
func (c *Client) FetchMachineDetail(ctx context.Context, id int64) (*types.MachineDetail, error) {
	var d types.MachineDetail
	if err := c.get(ctx, c.cms(fmt.Sprintf("/game_machines/%d", id)), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// FetchScoreTable returns the ordered high-score table of machine id. A
// response without a high_score array yields a nil table; an empty array
// yields an empty, non-nil one.
func (c *Client) FetchScoreTable(ctx context.Context, id int64) (types.ScoreTable, error) {
	var resp types.HighScoreResponse
	if err := c.get(ctx, c.cms(fmt.Sprintf("/game_machine_high_scores/?machine_id=%d", id)), &resp); err != nil {
		return nil, err
	}
	return resp.HighScores, nil
}

// FetchUserProfile returns the logged-in account's profile with its
// following list.
func (c *Client) FetchUserProfile(ctx context.Context) (*types.UserProfile, error) {
	var resp types.UserDetailResponse
	if err := c.get(ctx, c.api("/user_detail/"), &resp); err != nil {
		return nil, err
	}
	if resp.User == nil || resp.User.Profile == nil {
		return nil, ErrNoProfile
	}
	return resp.User.Profile, nil
}

// SearchUserByName looks a player up by username. The hit whose username
// matches case-insensitively wins; otherwise ErrUserNotFound.
func (c *Client) SearchUserByName(ctx context.Context, name string) (*types.PublicUser, error) {
	var resp types.UserSearchResponse
	if err := c.get(ctx, c.api("/user_search/?username="+url.QueryEscape(name)), &resp); err != nil {
		return nil, err
	}
	for i := range resp.Users {
		if strings.EqualFold(resp.Users[i].Username, name) {
			return &resp.Users[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUserNotFound, name)
}

// FetchUserBadges returns the badges of the player with upstream id pk.
func (c *Client) FetchUserBadges(ctx context.Context, pk int64) ([]types.Badge, error) {
	var resp types.UserBadgesResponse
	if err := c.get(ctx, c.api(fmt.Sprintf("/user_badges/%d/", pk)), &resp); err != nil {
		return nil, err
	}
	if resp.Badges == nil {
		return []types.Badge{}, nil
	}
	return resp.Badges, nil
}
