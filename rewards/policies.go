/*
policies.go - Default action table

AVAILABLE ACTIONS:
  One-time:
    signup_bonus       2500
    first_share         100
    google_review       500
    giveaway_entry       50
    social_follow       100
    profile_complete    300
    phone_verify        200

  Capped (per calendar day):
    daily_login          10  x1   claimable
    share_listing        10  x10  claimable (100 points a day)
    write_review         50  x5

  Repeatable, uncapped:
    referral_signup    1000  paid to the referrer, once per referred user
    referral_giveaway   100  paid to the referrer, once per entrant

EXAMPLE:
  program := rewards.DefaultProgram()
  rule, ok := program.Rule(rewards.ActionShareListing)
  // rule.Points == 10, rule.DailyLimit == 10

SEE ALSO:
  - factory/program.go: Loading a program from JSON or YAML
*/
package rewards

import "github.com/warp/loyalty-engine/points"

const (
	ActionSignupBonus      points.ActionKind = "signup_bonus"
	ActionDailyLogin       points.ActionKind = "daily_login"
	ActionShareListing     points.ActionKind = "share_listing"
	ActionFirstShare       points.ActionKind = "first_share"
	ActionWriteReview      points.ActionKind = "write_review"
	ActionGoogleReview     points.ActionKind = "google_review"
	ActionGiveawayEntry    points.ActionKind = "giveaway_entry"
	ActionSocialFollow     points.ActionKind = "social_follow"
	ActionProfileComplete  points.ActionKind = "profile_complete"
	ActionPhoneVerify      points.ActionKind = "phone_verify"
	ActionReferralSignup   points.ActionKind = "referral_signup"
	ActionReferralGiveaway points.ActionKind = "referral_giveaway"
)

const (
	SignupBonus    = 2500
	SharePoints    = 10
	ShareDailyMax  = 100 // points per day from share_listing
	ReferralSignup = 1000
)

// DefaultProgram returns a fresh copy of the built-in action table.
func DefaultProgram() Program {
	return Program{Rules: []ActionRule{
		{Kind: ActionSignupBonus, Points: SignupBonus, OneTime: true, Description: "Welcome bonus for creating an account"},
		{Kind: ActionDailyLogin, Points: 10, DailyLimit: 1, Claimable: true, Description: "First login of the day"},
		{Kind: ActionShareListing, Points: SharePoints, DailyLimit: ShareDailyMax / SharePoints, Claimable: true, Description: "Share a listing"},
		{Kind: ActionFirstShare, Points: 100, OneTime: true, Description: "First social share"},
		{Kind: ActionWriteReview, Points: 50, DailyLimit: 5, Description: "Write a review"},
		{Kind: ActionGoogleReview, Points: 500, OneTime: true, Description: "Leave a Google review"},
		{Kind: ActionGiveawayEntry, Points: 50, OneTime: true, Description: "First giveaway entry"},
		{Kind: ActionSocialFollow, Points: 100, OneTime: true, Description: "Follow on social media"},
		{Kind: ActionProfileComplete, Points: 300, OneTime: true, Description: "Complete your profile"},
		{Kind: ActionPhoneVerify, Points: 200, OneTime: true, Description: "Verify your phone number"},
		{Kind: ActionReferralSignup, Points: ReferralSignup, Description: "A referred friend signed up"},
		{Kind: ActionReferralGiveaway, Points: 100, Description: "A referred friend entered a giveaway"},
	}}
}
