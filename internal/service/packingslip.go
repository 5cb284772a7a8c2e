package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/csvexport"
	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/events"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/xid"
)

const (
	internalDestination = "Internal use"
	unknownDestination  = "Customer not specified"
)

// OpenDraftSlip creates the unnumbered slip that travels with a draft.
func (s *Service) OpenDraftSlip(ctx context.Context, d domain.DispatchRecord, pickedUpBy string, pickupDate string) (domain.PackingSlip, error) {
	pickup := s.now()
	if strings.TrimSpace(pickupDate) != "" {
		parsed, err := time.Parse(domain.DateLayout, pickupDate)
		if err != nil {
			return domain.PackingSlip{}, fmt.Errorf("%w: pickup_date must be yyyy-MM-dd", store.ErrInvalidTransaction)
		}
		pickup = parsed.UTC()
	}

	batchSet := make(map[string]struct{}, len(d.Items))
	for _, item := range d.Items {
		if item.ItemType == domain.ItemTypeBatch {
			batchSet[item.ItemID] = struct{}{}
		}
	}

	created, err := s.repo.CreatePackingSlip(ctx, domain.PackingSlip{
		ID:            xid.New("slip"),
		DispatchID:    d.ID,
		Location:      d.Location,
		Destination:   s.destination(ctx, d),
		PreparedBy:    actorName(ctx),
		PickedUpBy:    defaultString(strings.TrimSpace(pickedUpBy), d.PickerName),
		BatchIDs:      sortedKeys(batchSet),
		TotalItems:    d.TotalItems,
		TotalPackages: d.TotalPackages,
		PickupDate:    pickup,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return domain.PackingSlip{}, writeError(fmt.Errorf("open packing slip: %w", err))
	}
	return *created, nil
}

func (s *Service) destination(ctx context.Context, d domain.DispatchRecord) string {
	if d.CustomerID == "" {
		if d.DispatchType == domain.DispatchTypeInternal {
			return internalDestination
		}
		return unknownDestination
	}
	customer, err := s.repo.GetCustomer(ctx, d.CustomerID)
	if err != nil || strings.TrimSpace(customer.Name) == "" {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).WithField("customer_id", d.CustomerID).Warn("customer lookup failed, using generic destination")
		}
		return unknownDestination
	}
	return customer.Name
}

// FinalizeSlip numbers the slip of a confirmed dispatch. A number already
// taken by another slip is regenerated, up to the configured attempts. A slip
// that already has a number is returned unchanged.
func (s *Service) FinalizeSlip(ctx context.Context, dispatchID string) (domain.PackingSlip, error) {
	slip, err := s.repo.GetPackingSlipByDispatch(ctx, dispatchID)
	if errors.Is(err, store.ErrNotFound) {
		d, getErr := s.repo.GetDispatch(ctx, dispatchID)
		if getErr != nil {
			return domain.PackingSlip{}, transitionError(getErr)
		}
		opened, openErr := s.OpenDraftSlip(ctx, *d, "", "")
		if openErr != nil {
			return domain.PackingSlip{}, openErr
		}
		slip, err = &opened, nil
	}
	if err != nil {
		return domain.PackingSlip{}, err
	}
	if slip.SlipNumber != "" {
		return *slip, nil
	}

	for attempt := 1; attempt <= s.slipAttempts; attempt++ {
		number := s.slipNumber()
		finalized, err := s.repo.FinalizePackingSlip(ctx, dispatchID, number, s.now())
		if err == nil {
			s.publish(ctx, events.SlipFinalized, finalized.Location, "packing_slip", finalized.ID, "slip_number="+finalized.SlipNumber)
			return *finalized, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return domain.PackingSlip{}, writeError(err)
		}
		s.log.WithFields(logrus.Fields{
			"dispatch_id": dispatchID,
			"slip_number": number,
			"attempt":     attempt,
		}).Warn("slip number collision, regenerating")
	}
	return domain.PackingSlip{}, ErrSlipNumberExhausted
}

func (s *Service) slipNumber() string {
	return fmt.Sprintf("PS-%s-%03d", s.now().Format("20060102"), s.slipSuffix()%1000)
}

// RepairUnfinalizedSlips finishes slips left unnumbered when a process died
// between confirming a dispatch and numbering its slip.
func (s *Service) RepairUnfinalizedSlips(ctx context.Context) (domain.SlipRepairReport, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.SlipRepairReport{}, err
	}

	ids, err := s.repo.ListUnfinalizedConfirmedDispatchIDs(ctx)
	if err != nil {
		return domain.SlipRepairReport{}, err
	}

	report := domain.SlipRepairReport{Checked: len(ids), Finalized: make([]string, 0, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := s.FinalizeSlip(ctx, id); err != nil {
			report.Failed = append(report.Failed, domain.SlipRepairFailure{DispatchID: id, Error: err.Error()})
			continue
		}
		report.Finalized = append(report.Finalized, id)
	}

	s.log.WithFields(logrus.Fields{
		"checked":   report.Checked,
		"finalized": len(report.Finalized),
		"failed":    len(report.Failed),
	}).Info("packing slip repair pass finished")
	return report, nil
}

func (s *Service) GetPackingSlip(ctx context.Context, dispatchID string) (domain.PackingSlip, error) {
	slip, err := s.repo.GetPackingSlipByDispatch(ctx, strings.TrimSpace(dispatchID))
	if err != nil {
		return domain.PackingSlip{}, err
	}
	return *slip, nil
}

func (s *Service) ListPackingSlips(ctx context.Context, location string, from string, to string) (domain.PackingSlipListResponse, error) {
	location, err := s.resolveLocation(location)
	if err != nil {
		return domain.PackingSlipListResponse{}, err
	}
	start, end, err := dayRange(from, to, s.now())
	if err != nil {
		return domain.PackingSlipListResponse{}, err
	}
	slips, err := s.repo.ListPackingSlips(ctx, location, start, end)
	if err != nil {
		return domain.PackingSlipListResponse{}, err
	}
	return domain.PackingSlipListResponse{Slips: slips}, nil
}

// ExportPackingSlipsCSV returns the finalized slips of the range.
func (s *Service) ExportPackingSlipsCSV(ctx context.Context, location string, from string, to string) ([]byte, string, error) {
	list, err := s.ListPackingSlips(ctx, location, from, to)
	if err != nil {
		return nil, "", err
	}
	finalized := make([]domain.PackingSlip, 0, len(list.Slips))
	for _, slip := range list.Slips {
		if slip.SlipNumber != "" {
			finalized = append(finalized, slip)
		}
	}
	sort.SliceStable(finalized, func(i, j int) bool {
		return finalized[i].SlipNumber < finalized[j].SlipNumber
	})

	data, err := csvexport.PackingSlips(finalized)
	if err != nil {
		return nil, "", err
	}
	return data, csvexport.Filename(csvexport.ReportPackingSlips, s.now()), nil
}
