package sqlinline

const QSelectAllProviders = `--sql f6805515-2acb-447f-ba0a-37bf8847f845
select id, category, name, provider_type, api_key, base_url, model, extra, active, created_at, updated_at
from provider_configs
order by category, name;
`

const QSelectProvidersByCategory = `--sql 47dc3005-c214-4acd-af7c-895febf14a19
select id, category, name, provider_type, api_key, base_url, model, extra, active, created_at, updated_at
from provider_configs
where category = $1::text
order by name;
`

const QSelectActiveProvider = `--sql 3d923749-eda3-41be-a878-102e8439bf45
select id, category, name, provider_type, api_key, base_url, model, extra, active, created_at, updated_at
from provider_configs
where category = $1::text and active
order by updated_at desc
limit 1;
`

const QSelectProviderByName = `--sql ad85d14c-68af-434b-b9e8-a888dc21a1c2
select id, category, name, provider_type, api_key, base_url, model, extra, active, created_at, updated_at
from provider_configs
where category = $1::text and name = $2::text
limit 1;
`

const QDeactivateProviders = `--sql 7a44350c-08ef-4235-8c29-14c0c615dfd3
update provider_configs
set active = false,
    updated_at = now()
where category = $1::text;
`

const QActivateProvider = `--sql 1f975018-0451-4357-a8db-6ea6108f4230
update provider_configs
set active = true,
    updated_at = now()
where category = $1::text and name = $2::text;
`

const QUpsertProviderConfig = `--sql 758480b0-8185-48eb-9a40-425605467d3f
insert into provider_configs (category, name, provider_type, api_key, base_url, model, extra, active, created_at, updated_at)
values ($1::text, $2::text, $3::text, $4::text, $5::text, $6::text, $7::jsonb, $8::boolean, now(), now())
on conflict (category, name) do update set
    provider_type = excluded.provider_type,
    api_key = excluded.api_key,
    base_url = excluded.base_url,
    model = excluded.model,
    extra = excluded.extra,
    active = excluded.active,
    updated_at = now();
`

const QPruneProviders = `--sql e8df2c39-debc-4fad-a7e0-289ef9cf6488
delete from provider_configs
where category = $1::text and name <> all($2::text[]);
`
