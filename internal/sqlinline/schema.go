package sqlinline

// Schema lists the idempotent DDL applied at startup, in dependency order.
var Schema = []string{
	QSchemaUsers,
	QSchemaHistories,
	QSchemaHistoryPages,
	QSchemaHistoryImages,
	QSchemaProviderConfigs,
	QSchemaHistoriesTaskIndex,
	QSchemaHistoriesStatusIndex,
}

const QSchemaUsers = `--sql 0e739880-33fa-47c3-8c49-ae692cd08f89
create table if not exists users (
    id uuid primary key,
    username text not null unique,
    password_hash text not null,
    created_at timestamptz not null default now()
);
`

const QSchemaHistories = `--sql 5157cc19-4b55-4fca-980e-c6455158228e
create table if not exists histories (
    id uuid primary key,
    title text not null,
    status text not null default 'draft',
    thumbnail text not null default '',
    task_id text not null default '',
    outline_text text not null default '',
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QSchemaHistoryPages = `--sql 6dea7ff8-0764-40a5-a95c-3ce897c20827
create table if not exists history_pages (
    record_id uuid not null references histories(id) on delete cascade,
    page_index int not null,
    page_type text not null default 'content',
    content text not null default '',
    primary key (record_id, page_index)
);
`

const QSchemaHistoryImages = `--sql 31a69e6f-4411-45ea-9765-06d2bc1e3739
create table if not exists history_images (
    record_id uuid not null references histories(id) on delete cascade,
    image_index int not null,
    filename text not null default '',
    error_message text not null default '',
    primary key (record_id, image_index)
);
`

const QSchemaProviderConfigs = `--sql 8c35609c-ad24-4d04-889a-c38cce4fb9d2
create table if not exists provider_configs (
    id bigint generated always as identity primary key,
    category text not null,
    name text not null,
    provider_type text not null,
    api_key text not null default '',
    base_url text not null default '',
    model text not null default '',
    extra jsonb not null default '{}'::jsonb,
    active boolean not null default false,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now(),
    unique (category, name)
);
`

const QSchemaHistoriesTaskIndex = `--sql 4b97eb29-bb7e-4a36-bdd5-0d94eae9b331
create index if not exists histories_task_id_idx on histories (task_id);
`

const QSchemaHistoriesStatusIndex = `--sql e178f74f-96bc-45c3-aa01-9cfcadbd7560
create index if not exists histories_status_created_idx on histories (status, created_at desc);
`
