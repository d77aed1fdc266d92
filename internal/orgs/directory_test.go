package orgs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrgs serves accounts one per page and tags two per page.
type fakeOrgs struct {
	mu       sync.Mutex
	accounts []orgtypes.Account
	tags     map[string][]orgtypes.Tag
	tagErr   map[string]error
	master   string
	tagCalls int
}

func (f *fakeOrgs) ListAccounts(_ context.Context, in *organizations.ListAccountsInput, _ ...func(*organizations.Options)) (*organizations.ListAccountsOutput, error) {
	i := 0
	if in.NextToken != nil {
		i, _ = strconv.Atoi(*in.NextToken)
	}
	out := &organizations.ListAccountsOutput{}
	if i < len(f.accounts) {
		out.Accounts = f.accounts[i : i+1]
	}
	if i+1 < len(f.accounts) {
		out.NextToken = aws.String(strconv.Itoa(i + 1))
	}
	return out, nil
}

func (f *fakeOrgs) ListTagsForResource(_ context.Context, in *organizations.ListTagsForResourceInput, _ ...func(*organizations.Options)) (*organizations.ListTagsForResourceOutput, error) {
	f.mu.Lock()
	f.tagCalls++
	f.mu.Unlock()

	id := aws.ToString(in.ResourceId)
	if err := f.tagErr[id]; err != nil {
		return nil, err
	}
	all := f.tags[id]
	i := 0
	if in.NextToken != nil {
		i, _ = strconv.Atoi(*in.NextToken)
	}
	end := i + 2
	if end > len(all) {
		end = len(all)
	}
	out := &organizations.ListTagsForResourceOutput{Tags: all[i:end]}
	if end < len(all) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeOrgs) DescribeOrganization(context.Context, *organizations.DescribeOrganizationInput, ...func(*organizations.Options)) (*organizations.DescribeOrganizationOutput, error) {
	return &organizations.DescribeOrganizationOutput{
		Organization: &orgtypes.Organization{MasterAccountId: aws.String(f.master)},
	}, nil
}

type fakeSTS struct{ account string }

func (f fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

func account(id, status string) orgtypes.Account {
	return orgtypes.Account{
		Id:     aws.String(id),
		Name:   aws.String("acct-" + id),
		Email:  aws.String(id + "@example.com"),
		Arn:    aws.String("arn:aws:organizations::111111111111:account/o-abc/" + id),
		Status: orgtypes.AccountStatus(status),
	}
}

func tag(k, v string) orgtypes.Tag {
	return orgtypes.Tag{Key: aws.String(k), Value: aws.String(v)}
}

func newFake() *fakeOrgs {
	return &fakeOrgs{
		accounts: []orgtypes.Account{
			account("111111111111", "ACTIVE"),
			account("222222222222", "SUSPENDED"),
			account("333333333333", "ACTIVE"),
		},
		tags: map[string][]orgtypes.Tag{
			"111111111111": {tag("CostCenter", "cc-1"), tag("Owner", "alice"), tag("Env", "prod")},
			"333333333333": {tag("CostCenter", "cc-3")},
		},
		master: "111111111111",
	}
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestFetchAccounts(t *testing.T) {
	fake := newFake()
	d := NewDirectory(fake, Options{Concurrency: 2}, testLogger())

	accounts, err := d.FetchAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 3)

	assert.Equal(t, "111111111111", accounts[0].ID)
	assert.Equal(t, "acct-111111111111", accounts[0].Name)
	assert.Equal(t, "ACTIVE", accounts[0].Status)
	assert.Equal(t, []Tag{{"CostCenter", "cc-1"}, {"Owner", "alice"}, {"Env", "prod"}}, accounts[0].Tags)
	assert.Empty(t, accounts[1].Tags)
	assert.Equal(t, []Tag{{"CostCenter", "cc-3"}}, accounts[2].Tags)
	assert.Equal(t, 4, fake.tagCalls)
}

func TestFetchAccountsActiveOnly(t *testing.T) {
	d := NewDirectory(newFake(), Options{Concurrency: 4, ActiveOnly: true}, testLogger())

	accounts, err := d.FetchAccounts(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"111111111111", "333333333333"}, ids)
}

func TestFetchAccountsTagError(t *testing.T) {
	fake := newFake()
	fake.tagErr = map[string]error{"333333333333": errors.New("throttled")}
	d := NewDirectory(fake, Options{Concurrency: 1}, testLogger())

	_, err := d.FetchAccounts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ListTagsForResource 333333333333")
}

func TestCheckManagementAccount(t *testing.T) {
	d := NewDirectory(newFake(), Options{}, testLogger())
	ctx := context.Background()

	caller, err := CallerAccount(ctx, fakeSTS{account: "111111111111"})
	require.NoError(t, err)
	assert.NoError(t, d.CheckManagementAccount(ctx, caller))

	err = d.CheckManagementAccount(ctx, "999999999999")
	var mgmtErr *ManagementAccountError
	require.True(t, errors.As(err, &mgmtErr), fmt.Sprintf("got %v", err))
	assert.Equal(t, "111111111111", mgmtErr.Management)
}
