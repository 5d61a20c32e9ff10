package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/ratelimit"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"not found", fmt.Errorf("accept: %w", domain.ErrOrderNotFound), codes.NotFound},
		{"owner", domain.ErrNotOrderOwner, codes.PermissionDenied},
		{"transition", &domain.TransitionError{Op: "deliver", From: domain.OrderStatusPendingPayment, To: domain.OrderStatusDeliveryInProgress}, codes.FailedPrecondition},
		{"cancel while delivering", &domain.TransitionError{Op: "cancel", From: domain.OrderStatusDeliveryInProgress, To: domain.OrderStatusCancelled}, codes.FailedPrecondition},
		{"empty cart", domain.ErrShoppingCartEmpty, codes.FailedPrecondition},
		{"address", domain.ErrAddressBookMissing, codes.FailedPrecondition},
		{"declined", fmt.Errorf("pay: %w", domain.ErrPaymentDeclined), codes.FailedPrecondition},
		{"amount mismatch", domain.ErrAmountMismatch, codes.FailedPrecondition},
		{"conflict exhausted", fmt.Errorf("%w: order", domain.ErrOptimisticConflictExhausted), codes.Aborted},
		{"lock timeout", domain.ErrLockAcquisitionTimeout, codes.Aborted},
		{"rate limit", domain.ErrRateLimitExceeded, codes.ResourceExhausted},
		{"lock store", fmt.Errorf("%w: dial tcp", domain.ErrLockStoreUnavailable), codes.Unavailable},
		{"record store", domain.ErrRecordStoreUnavailable, codes.Unavailable},
		{"payment temporary", domain.ErrPaymentTemporary, codes.Unavailable},
		{"customer required", domain.ErrCustomerRequired, codes.InvalidArgument},
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline", fmt.Errorf("submit: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"unknown", errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, CodeOf(tc.err))
		})
	}
}

func TestToStatus_HidesInfrastructureDetails(t *testing.T) {
	t.Parallel()

	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	s := NewOrderService(nil, logger.WithField("component", "test"))

	err := s.toStatus(MethodAcceptOrder, fmt.Errorf("%w: password=secret", domain.ErrRecordStoreUnavailable))
	require.Equal(t, codes.Unavailable, status.Code(err))
	require.NotContains(t, status.Convert(err).Message(), "secret")

	err = s.toStatus(MethodAcceptOrder, errors.New("nil pointer somewhere"))
	require.Equal(t, codes.Internal, status.Code(err))
	require.Equal(t, "internal error", status.Convert(err).Message())

	err = s.toStatus(MethodAcceptOrder, domain.ErrShoppingCartEmpty)
	require.Equal(t, domain.ErrShoppingCartEmpty.Error(), status.Convert(err).Message())

	original := status.Error(codes.Unauthenticated, "who are you")
	require.Equal(t, original, s.toStatus(MethodAcceptOrder, original))
}

func TestMarkPaid_ClosedWithoutCallbackActor(t *testing.T) {
	t.Parallel()

	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	// orders == nil: до сервиса заказов вызов дойти не должен.
	s := NewOrderService(nil, logger.WithField("component", "test"))

	req, err := structpb.NewStruct(map[string]any{"orderNumber": "N1"})
	require.NoError(t, err)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(ratelimit.MetadataUserID, "payment-provider"))

	_, err = s.MarkPaid(ctx, req)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}
