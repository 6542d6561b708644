package state

import (
	"fmt"

	"github.com/najoast/noderoute/core"
)

// ProjectConfig describes a project and the route used to reach it.
type ProjectConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Identity    string `json:"identity,omitempty"`
	AccessRoute string `json:"access_route"`
}

// Route parses the access route.
func (p ProjectConfig) Route() (core.Route, error) {
	route, err := core.ParseRoute(p.AccessRoute)
	if err != nil {
		return nil, fmt.Errorf("%w: project %s access route: %v", ErrInvalidState, p.Name, err)
	}
	return route, nil
}
