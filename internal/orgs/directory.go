// Package orgs reads accounts and their tags from AWS Organizations.
package orgs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// API is the subset of the Organizations client the directory needs.
type API interface {
	organizations.ListAccountsAPIClient
	organizations.ListTagsForResourceAPIClient
	DescribeOrganization(context.Context, *organizations.DescribeOrganizationInput, ...func(*organizations.Options)) (*organizations.DescribeOrganizationOutput, error)
}

// IdentityAPI returns the account the process runs as.
type IdentityAPI interface {
	GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type Tag struct {
	Key   string
	Value string
}

type Account struct {
	ID     string
	Name   string
	Email  string
	ARN    string
	Status string
	Tags   []Tag
}

type Options struct {
	// Concurrency bounds parallel ListTagsForResource walks.
	Concurrency int
	ActiveOnly  bool
}

type Directory struct {
	api    API
	opts   Options
	logger logrus.FieldLogger
}

func NewDirectory(api API, opts Options, logger logrus.FieldLogger) *Directory {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Directory{api: api, opts: opts, logger: logger}
}

// ListAccounts walks every ListAccounts page.
func (d *Directory) ListAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	p := organizations.NewListAccountsPaginator(d.api, &organizations.ListAccountsInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("organizations ListAccounts: %w", err)
		}
		for _, a := range page.Accounts {
			out = append(out, Account{
				ID:     aws.ToString(a.Id),
				Name:   aws.ToString(a.Name),
				Email:  aws.ToString(a.Email),
				ARN:    aws.ToString(a.Arn),
				Status: string(a.Status),
			})
		}
	}
	return out, nil
}

// ListTags walks every ListTagsForResource page for one account.
func (d *Directory) ListTags(ctx context.Context, accountID string) ([]Tag, error) {
	var out []Tag
	p := organizations.NewListTagsForResourcePaginator(d.api, &organizations.ListTagsForResourceInput{
		ResourceId: aws.String(accountID),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("organizations ListTagsForResource %s: %w", accountID, err)
		}
		for _, t := range page.Tags {
			out = append(out, Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
		}
	}
	return out, nil
}

// FetchAccounts lists the accounts and loads each one's tags. The result
// keeps ListAccounts order.
func (d *Directory) FetchAccounts(ctx context.Context) ([]Account, error) {
	accounts, err := d.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if d.opts.ActiveOnly {
		kept := accounts[:0]
		for _, a := range accounts {
			if a.Status == string(orgtypes.AccountStatusActive) {
				kept = append(kept, a)
			}
		}
		accounts = kept
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i := range accounts {
		i := i
		g.Go(func() error {
			tags, err := d.ListTags(gctx, accounts[i].ID)
			if err != nil {
				return err
			}
			accounts[i].Tags = tags
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.logger.WithField("accounts", len(accounts)).Info("fetched organization accounts")
	return accounts, nil
}

// ManagementAccountError reports that the caller is not the organization's
// management account, which limits ListAccounts visibility.
type ManagementAccountError struct {
	Caller     string
	Management string
}

func (e *ManagementAccountError) Error() string {
	return fmt.Sprintf("caller account %s is not the organization management account %s", e.Caller, e.Management)
}

// CheckManagementAccount compares the caller with the organization's
// management account and returns *ManagementAccountError on mismatch.
func (d *Directory) CheckManagementAccount(ctx context.Context, callerAccount string) error {
	out, err := d.api.DescribeOrganization(ctx, &organizations.DescribeOrganizationInput{})
	if err != nil {
		return fmt.Errorf("organizations DescribeOrganization: %w", err)
	}
	if out.Organization == nil {
		return fmt.Errorf("organizations DescribeOrganization: empty organization")
	}
	mgmt := aws.ToString(out.Organization.MasterAccountId)
	if mgmt != callerAccount {
		return &ManagementAccountError{Caller: callerAccount, Management: mgmt}
	}
	return nil
}

// CallerAccount returns the account id of the current credentials.
func CallerAccount(ctx context.Context, api IdentityAPI) (string, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("sts GetCallerIdentity: %w", err)
	}
	return aws.ToString(out.Account), nil
}
