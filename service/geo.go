package service

import (
	"context"
	"math"
	"sort"

	"fadedreams/autofix/domain"

	"go.opentelemetry.io/otel/attribute"
)

// Haversine returns the great-circle distance between two points in km.
func Haversine(l1, l2 domain.Location) float64 {
	const R = 6371 // Earth's radius in km
	lat1 := l1.Latitude * math.Pi / 180
	lat2 := l2.Latitude * math.Pi / 180
	dLat := (l2.Latitude - l1.Latitude) * math.Pi / 180
	dLon := (l2.Longitude - l1.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

type NearbyMechanic struct {
	Mechanic   domain.Mechanic `json:"mechanic"`
	DistanceKm float64         `json:"distance_km"`
}

// NearbyMechanics lists stored mechanics with a known position within
// radiusKm of from, closest first. A radius of zero or less means no limit.
func (s *Service) NearbyMechanics(from domain.Location, radiusKm float64) []NearbyMechanic {
	var out []NearbyMechanic
	for _, m := range s.store.Mechanics() {
		loc, ok := m.Location()
		if !ok {
			continue
		}
		d := Haversine(from, loc)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		out = append(out, NearbyMechanic{Mechanic: m, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

// RefreshMechanics re-reads the persisted mechanics through the integrity
// guard, then merges every remote mechanic with known coordinates.
func (s *Service) RefreshMechanics(ctx context.Context) ([]domain.Mechanic, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceRefreshMechanics")
	defer span.End()

	if err := s.store.RefreshMechanics(ctx); err != nil {
		s.logger.Warn("Failed to reload persisted mechanics", "error", err)
	}
	rows, err := s.query(ctx, domain.Query{
		Collection: domain.CollectionProfiles,
		Filters: []domain.Filter{
			domain.Eq("role", string(domain.RoleMechanic)),
			domain.NotNull("latitude"),
			domain.NotNull("longitude"),
		},
	})
	if err != nil {
		return nil, s.fail(span, "Failed to fetch mechanics", domain.RemoteRequestError("refreshMechanics", "Failed to load mechanics", err))
	}
	for _, row := range rows {
		var m domain.Mechanic
		if err := domain.DecodeRow(row, &m); err != nil || m.ID == "" {
			s.logger.Warn("Skipping unreadable mechanic row", "mechanicID", m.ID, "error", err)
			continue
		}
		if err := s.store.IngestMechanic(ctx, m); err != nil {
			return nil, s.fail(span, "Failed to store mechanic", err)
		}
	}
	span.SetAttributes(attribute.Int("mechanicCount", len(rows)))
	return s.store.Mechanics(), nil
}

// UpdateLocation stores the signed-in user's position on their profile.
func (s *Service) UpdateLocation(ctx context.Context, loc domain.Location) error {
	ctx, span := s.tracer.Start(ctx, "ServiceUpdateLocation")
	defer span.End()

	user, err := s.requireUser("updateLocation", "")
	if err != nil {
		return err
	}
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return domain.ValidationError("updateLocation", "Location is out of range")
	}
	fields := domain.Row{"latitude": loc.Latitude, "longitude": loc.Longitude}
	return s.updateProfile(ctx, span, "updateLocation", user, fields)
}
