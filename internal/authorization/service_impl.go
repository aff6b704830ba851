package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectWallet      = "wallet"
	ObjectActivity    = "activity"
	ObjectRatePolicy  = "rate_policy"
	ObjectPromotion   = "promotion"
	ObjectParticipant = "participant"
)

const (
	ActionWalletView     = "wallet.view"
	ActionWalletTransfer = "wallet.transfer"

	ActionActivityEarn = "activity.earn"

	ActionRatePolicyView   = "rate_policy.view"
	ActionRatePolicyManage = "rate_policy.manage"

	ActionPromotionView     = "promotion.view"
	ActionPromotionCreate   = "promotion.create"
	ActionPromotionJoin     = "promotion.join"
	ActionPromotionFinalize = "promotion.finalize"

	ActionParticipantVerify = "participant.verify"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from the casbin_rule table and makes sure the
// built-in role grants exist.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if role == "" || actor.UserID <= 0 {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(roleSubject(role), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("actor_role", role),
			zap.Int64("user_id", actor.UserID),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func roleSubject(role string) string {
	return fmt.Sprintf("role:%s", role)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// User permissions
		{roleSubject(RoleUser), ObjectWallet, ActionWalletView},
		{roleSubject(RoleUser), ObjectWallet, ActionWalletTransfer},
		{roleSubject(RoleUser), ObjectActivity, ActionActivityEarn},
		{roleSubject(RoleUser), ObjectRatePolicy, ActionRatePolicyView},
		{roleSubject(RoleUser), ObjectPromotion, ActionPromotionView},
		{roleSubject(RoleUser), ObjectPromotion, ActionPromotionCreate},
		{roleSubject(RoleUser), ObjectPromotion, ActionPromotionJoin},

		// Operator permissions
		{roleSubject(RoleOperator), ObjectRatePolicy, ActionRatePolicyManage},
		{roleSubject(RoleOperator), ObjectPromotion, ActionPromotionFinalize},
		{roleSubject(RoleOperator), ObjectParticipant, ActionParticipantVerify},
	}

	for _, rule := range policies {
		has, err := enforcer.HasPolicy(rule[0], rule[1], rule[2])
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
			return err
		}
	}

	// Operators can do everything a user can.
	has, err := enforcer.HasGroupingPolicy(roleSubject(RoleOperator), roleSubject(RoleUser))
	if err != nil {
		return err
	}
	if !has {
		if _, err := enforcer.AddGroupingPolicy(roleSubject(RoleOperator), roleSubject(RoleUser)); err != nil {
			return err
		}
	}
	return nil
}
